package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/data"
	apihttp "stagehand/internal/http"
	"stagehand/internal/logging"
	"stagehand/internal/scenario"
	"stagehand/internal/stage"
)

const (
	ExitSuccess = 0
	ExitFailed  = 1
	ExitError   = 2
)

const (
	cfgConfigFile = "config"
	cfgLogLevel   = "log.level"
	cfgLogFormat  = "log.format"
	cfgVerbose    = "verbose"
	cfgScenario   = "scenario"
	cfgTimeout    = "timeout"
	cfgOutput     = "output"
	cfgQuiet      = "quiet"
	cfgMetrics    = "metrics-addr"
)

var (
	rootCmd = &cobra.Command{
		Use:               "stagehand",
		Short:             "Functional and load test harness for identity platforms",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initLogging,
	}

	flowsCmd = &cobra.Command{
		Use:   "flows",
		Short: "List registered flows",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range scenario.Names() {
				def, _ := scenario.Lookup(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", name, def.Description)
			}
		},
	}

	logLevel  = logging.LevelInfo
	logFormat = logging.FmtLogfmt

	logger = logging.GetLogger("cmd")
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func failed(err error) error { return &exitError{code: ExitFailed, err: err} }

// classify maps a run error to its exit code: configuration and
// bootstrap problems are errors, everything else is a failed run.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return err
	}
	if core.IsFatal(err) {
		return &exitError{code: ExitError, err: err}
	}
	return failed(err)
}

func init() {
	viper.SetEnvPrefix("STAGEHAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String(cfgConfigFile, "", "path to YAML config file (required)")
	fs.Var(&logLevel, cfgLogLevel, "log level (debug, info, warn, error)")
	fs.Var(&logFormat, cfgLogFormat, "log format (logfmt, json)")
	fs.Bool(cfgVerbose, false, "log every request and response")
	fs.String(cfgScenario, "", "flow to run, overriding the configured one")
	_ = viper.BindPFlags(fs)
	rootCmd.PersistentFlags().AddFlagSet(fs)

	rootCmd.AddCommand(functionalCmd, loadCmd, flowsCmd)
}

func initLogging(cmd *cobra.Command, args []string) error {
	if err := logLevel.Set(viper.GetString(cfgLogLevel)); err != nil {
		return &exitError{code: ExitError, err: fmt.Errorf("log level: %w", err)}
	}
	if err := logFormat.Set(viper.GetString(cfgLogFormat)); err != nil {
		return &exitError{code: ExitError, err: fmt.Errorf("log format: %w", err)}
	}
	return logging.Initialize(os.Stderr, logFormat, logLevel)
}

// loadConfig reads the configuration file and its data sources.
func loadConfig() (*config.Config, data.Sources, error) {
	path := viper.GetString(cfgConfigFile)
	if path == "" {
		return nil, nil, &exitError{code: ExitError, err: errors.New("--config is required")}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, &exitError{code: ExitError, err: err}
	}
	if flow := viper.GetString(cfgScenario); flow != "" {
		cfg.Scenario.Flow = flow
	}
	sources, err := data.Load(cfg.Data, filepath.Dir(path))
	if err != nil {
		return nil, nil, &exitError{code: ExitError, err: err}
	}
	return cfg, sources, nil
}

func stageOptions(cfg *config.Config) stage.Options {
	opts := stage.Options{
		HTTP:       &http.Client{Timeout: cfg.HTTP.Timeout},
		HookOutput: os.Stderr,
	}
	if viper.GetBool(cfgVerbose) {
		opts.Debug = apihttp.NewDebugLogger(os.Stderr)
	}
	return opts
}

// signalContext is cancelled on SIGINT or SIGTERM. interrupted reports
// whether that happened.
func signalContext() (ctx context.Context, stop func(), interrupted func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	got := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Warn("received interrupt signal, shutting down")
			close(got)
			cancel()
		case <-ctx.Done():
		}
	}()

	stop = func() {
		signal.Stop(sigCh)
		cancel()
	}
	interrupted = func() bool {
		select {
		case <-got:
			return true
		default:
			return false
		}
	}
	return ctx, stop, interrupted
}

// closeStage tears the stage down after the run, whatever its context.
func closeStage(ctx context.Context, st *stage.Stage) {
	if err := st.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("stage teardown failed", "err", err)
	}
}
