package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	indexPattern    = regexp.MustCompile(`\[(\d+)\]`)
	wildcardPattern = regexp.MustCompile(`\[\*\]`)
)

// Path converts a JSONPath expression to gjson syntax:
//
//	$.connection.thid   -> connection.thid
//	$.contents[0].id    -> contents.0.id
//	$.contents[*].state -> contents.#.state
//
// gjson paths pass through unchanged.
func Path(jsonPath string) string {
	p := wildcardPattern.ReplaceAllString(jsonPath, ".#")
	p = indexPattern.ReplaceAllString(p, ".$1")
	return strings.TrimPrefix(strings.TrimPrefix(p, "$"), ".")
}

// Extract evaluates rules (variable name -> path) against a JSON body.
// Every missing path is reported.
func Extract(body []byte, rules map[string]string) (map[string]any, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON in response body")
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(rules))
	var errs []error
	for _, name := range names {
		v := gjson.GetBytes(body, Path(rules[name]))
		if !v.Exists() {
			errs = append(errs, fmt.Errorf("path %q not found for variable %q", rules[name], name))
			continue
		}
		out[name] = v.Value()
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// First returns the first non-empty value among paths and the path that
// produced it. Webhook payloads carry their correlation id under different
// fields depending on the record type.
func First(body []byte, paths ...string) (gjson.Result, string, bool) {
	for _, p := range paths {
		if v := gjson.GetBytes(body, Path(p)); v.Exists() && v.String() != "" {
			return v, p, true
		}
	}
	return gjson.Result{}, "", false
}
