// Package logging implements levelled, module-scoped structured logging on
// top of go-kit/log.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"
)

var (
	backend = logBackend{
		baseLogger: log.NewNopLogger(),
		level:      LevelInfo,
	}

	_ pflag.Value = (*Level)(nil)
	_ pflag.Value = (*Format)(nil)
)

// Format is a logging format.
type Format uint

const (
	// FmtLogfmt is the "logfmt" logging format.
	FmtLogfmt Format = iota
	// FmtJSON is the JSON logging format.
	FmtJSON
)

// String returns the string representation of a Format.
func (f *Format) String() string {
	switch *f {
	case FmtLogfmt:
		return "logfmt"
	case FmtJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Set sets the Format to the value specified by the provided string.
func (f *Format) Set(s string) error {
	switch strings.ToLower(s) {
	case "logfmt":
		*f = FmtLogfmt
	case "json":
		*f = FmtJSON
	default:
		return fmt.Errorf("logging: invalid log format: '%s'", s)
	}
	return nil
}

// Type returns the list of supported Formats.
func (f *Format) Type() string {
	return "[logfmt,json]"
}

// Level is a log level.
type Level uint

const (
	// LevelDebug is the log level for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the log level for informative messages.
	LevelInfo
	// LevelWarn is the log level for warning messages.
	LevelWarn
	// LevelError is the log level for error messages.
	LevelError
)

func (l Level) toOption() level.Option {
	switch l {
	case LevelDebug:
		return level.AllowDebug()
	case LevelInfo:
		return level.AllowInfo()
	case LevelWarn:
		return level.AllowWarn()
	default:
		return level.AllowError()
	}
}

// String returns the string representation of a Level.
func (l *Level) String() string {
	switch *l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Set sets the Level to the value specified by the provided string.
func (l *Level) Set(s string) error {
	switch strings.ToUpper(s) {
	case "DEBUG":
		*l = LevelDebug
	case "INFO":
		*l = LevelInfo
	case "WARN":
		*l = LevelWarn
	case "ERROR":
		*l = LevelError
	default:
		return fmt.Errorf("logging: invalid log level: '%s'", s)
	}
	return nil
}

// Type returns the list of supported Levels.
func (l *Level) Type() string {
	return "[DEBUG,INFO,WARN,ERROR]"
}

type logBackend struct {
	sync.RWMutex

	baseLogger log.Logger
	level      Level
}

func (b *logBackend) current() (log.Logger, Level) {
	b.RLock()
	defer b.RUnlock()
	return b.baseLogger, b.level
}

// Logger is a logger instance bound to a module.
//
// Loggers obtained before Initialize is called pick up the configured
// backend on their next call.
type Logger struct {
	module  string
	keyvals []interface{}
}

func (l *Logger) log(lvl Level, msg string, keyvals []interface{}) {
	base, minLevel := backend.current()
	if lvl < minLevel {
		return
	}
	logger := log.With(base, "module", l.module)
	if len(l.keyvals) > 0 {
		logger = log.With(logger, l.keyvals...)
	}
	keyvals = append([]interface{}{"msg", msg}, keyvals...)
	switch lvl {
	case LevelDebug:
		_ = level.Debug(logger).Log(keyvals...)
	case LevelInfo:
		_ = level.Info(logger).Log(keyvals...)
	case LevelWarn:
		_ = level.Warn(logger).Log(keyvals...)
	default:
		_ = level.Error(logger).Log(keyvals...)
	}
}

// Debug logs the message and key value pairs at the Debug log level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.log(LevelDebug, msg, keyvals) }

// Info logs the message and key value pairs at the Info log level.
func (l *Logger) Info(msg string, keyvals ...interface{}) { l.log(LevelInfo, msg, keyvals) }

// Warn logs the message and key value pairs at the Warn log level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) { l.log(LevelWarn, msg, keyvals) }

// Error logs the message and key value pairs at the Error log level.
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.log(LevelError, msg, keyvals) }

// With returns a clone of the logger with the provided key/value pairs added.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	kv := make([]interface{}, 0, len(l.keyvals)+len(keyvals))
	kv = append(kv, l.keyvals...)
	kv = append(kv, keyvals...)
	return &Logger{module: l.module, keyvals: kv}
}

// GetLogger creates a new logger instance with the specified module.
func GetLogger(module string) *Logger {
	return &Logger{module: module}
}

// GetLevel returns the current global log level.
func GetLevel() Level {
	_, lvl := backend.current()
	return lvl
}

// Initialize initializes the logging backend to write to w.
func Initialize(w io.Writer, format Format, defaultLvl Level) error {
	var logger log.Logger
	w = log.NewSyncWriter(w)
	switch format {
	case FmtLogfmt:
		logger = log.NewLogfmtLogger(w)
	case FmtJSON:
		logger = log.NewJSONLogger(w)
	default:
		return fmt.Errorf("logging: unsupported log format: %v", format)
	}

	logger = level.NewFilter(logger, defaultLvl.toOption())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	backend.Lock()
	defer backend.Unlock()
	backend.baseLogger = logger
	backend.level = defaultLvl
	return nil
}
