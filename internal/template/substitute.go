// Package template provides placeholder substitution and JSON extraction for
// request bodies, paths and configuration values.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"stagehand/internal/core"
)

// placeholder matches ${var}, ${var:-default}, ${env:VAR} and ${fn(args)}.
var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Substitute replaces placeholders in text. vars may be nil.
//
// A variable holding a map or slice is rendered as JSON, so a claims object
// can be embedded in a request body as-is. Dotted names walk into map
// values when no variable has the full name. ":-" supplies a default for
// variables and environment variables that are not set. Every unresolved
// placeholder is reported.
func Substitute(text string, vars core.Variables) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var errs []error
	out := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		expr := match[2 : len(match)-1]

		if v, isCall, err := call(expr); isCall {
			if err != nil {
				errs = append(errs, err)
				return match
			}
			return v
		}

		name, fallback, hasDefault := strings.Cut(expr, ":-")
		if env, ok := strings.CutPrefix(name, "env:"); ok {
			if v, set := os.LookupEnv(env); set {
				return v
			}
			if hasDefault {
				return fallback
			}
			errs = append(errs, fmt.Errorf("env var %q not set", env))
			return match
		}

		if v, ok := lookup(vars, name); ok {
			s, err := render(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("variable %q: %w", name, err))
				return match
			}
			return s
		}
		if hasDefault {
			return fallback
		}
		errs = append(errs, fmt.Errorf("variable %q not found", name))
		return match
	})

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out, nil
}

// lookup resolves name, falling back to walking map values along its
// dotted segments.
func lookup(vars core.Variables, name string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if v, ok := vars.Get(name); ok {
		return v, true
	}
	// Longest variable name first: "data.users.row" before "data".
	segments := strings.Split(name, ".")
	for i := len(segments) - 1; i > 0; i-- {
		v, ok := vars.Get(strings.Join(segments[:i], "."))
		if !ok {
			continue
		}
		for _, key := range segments[i:] {
			m, isMap := v.(map[string]any)
			if !isMap {
				return nil, false
			}
			if v, ok = m[key]; !ok {
				return nil, false
			}
		}
		return v, true
	}
	return nil, false
}

func render(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case map[string]any, []any, map[string]string, []string:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// SubstituteMap applies Substitute to every value of m.
func SubstituteMap(m map[string]string, vars core.Variables) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	var errs []error
	for k, v := range m {
		s, err := Substitute(v, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", k, err))
			continue
		}
		out[k] = s
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
