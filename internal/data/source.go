// Package data loads CSV and JSON files whose rows parameterize iterations,
// such as the claims of each issued credential.
package data

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"stagehand/internal/config"
	"stagehand/internal/core"
)

// Mode defines how data rows are selected during iteration.
type Mode string

const (
	// ModeSequential iterates through rows in order, wrapping around.
	ModeSequential Mode = "sequential"
	// ModeRandom selects a random row for each iteration.
	ModeRandom Mode = "random"
)

// Source is a loaded data file shared by all iterations.
type Source struct {
	name    string
	rows    []map[string]any
	mode    Mode
	counter atomic.Uint64
	mu      sync.Mutex
	rng     *rand.Rand
}

// NewSource creates a data source from loaded rows.
func NewSource(name string, rows []map[string]any, mode Mode) *Source {
	if mode == "" {
		mode = ModeSequential
	}
	return &Source{
		name: name,
		rows: rows,
		mode: mode,
		rng:  rand.New(rand.NewSource(rand.Int63())),
	}
}

func (s *Source) Name() string {
	return s.name
}

func (s *Source) Len() int {
	return len(s.rows)
}

// Next returns a copy of the next row. Safe for concurrent use.
func (s *Source) Next() map[string]any {
	if len(s.rows) == 0 {
		return nil
	}

	var idx int
	switch s.mode {
	case ModeRandom:
		s.mu.Lock()
		idx = s.rng.Intn(len(s.rows))
		s.mu.Unlock()
	default:
		n := s.counter.Add(1) - 1
		idx = int(n % uint64(len(s.rows)))
	}

	return maps.Clone(s.rows[idx])
}

// decoders parse a data file by extension.
var decoders = map[string]func([]byte) ([]map[string]any, error){
	".csv":  decodeCSV,
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

// LoadFile loads a CSV, JSON or YAML data file. Relative paths resolve
// against configDir.
func LoadFile(name, path string, mode Mode, configDir string) (*Source, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(configDir, path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file format %q (use .csv, .json or .yaml)", ext)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rows, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("data file %s is empty", path)
	}
	return NewSource(name, rows, mode), nil
}

// Load opens every configured data file.
func Load(cfgs map[string]config.DataConfig, configDir string) (Sources, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	sources := make(Sources, len(cfgs))
	for _, name := range names {
		c := cfgs[name]
		mode := Mode(c.Mode)
		if mode != "" && mode != ModeSequential && mode != ModeRandom {
			return nil, &core.ConfigurationError{Reason: fmt.Sprintf("data source %q: unknown mode %q", name, c.Mode)}
		}
		src, err := LoadFile(name, c.File, mode, configDir)
		if err != nil {
			return nil, &core.ConfigurationError{Reason: fmt.Sprintf("data source %q", name), Err: err}
		}
		sources[name] = src
	}
	return sources, nil
}

// decodeCSV reads a header row followed by data rows. Short rows leave the
// missing fields empty. Cells that parse as integers, floats or booleans
// keep that type so they encode as JSON numbers and booleans.
func decodeCSV(raw []byte) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("CSV must have header row and at least one data row")
	}

	header, records := records[0], records[1:]
	rows := make([]map[string]any, len(records))
	for r, record := range records {
		rows[r] = make(map[string]any, len(header))
		for i, field := range header {
			var v any = ""
			if i < len(record) {
				v = cell(record[i])
			}
			rows[r][field] = v
		}
	}
	return rows, nil
}

func cell(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}

func decodeJSON(raw []byte) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("JSON must be an array of objects: %w", err)
	}
	return rows, nil
}

func decodeYAML(raw []byte) ([]map[string]any, error) {
	var rows []map[string]any
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("YAML must be a sequence of mappings: %w", err)
	}
	return rows, nil
}

// Sources is a collection of named data sources.
type Sources map[string]*Source

// Next returns the next row of the named source, or nil when there is no
// such source.
func (s Sources) Next(name string) map[string]any {
	src, ok := s[name]
	if !ok {
		return nil
	}
	return src.Next()
}

// InjectVariables adds one row of every source to vars as
// "data.<source>.<field>".
func (s Sources) InjectVariables(vars interface {
	Set(key string, value any)
}) {
	for name, source := range s {
		for field, value := range source.Next() {
			vars.Set(fmt.Sprintf("data.%s.%s", name, field), value)
		}
	}
}
