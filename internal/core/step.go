package core

import (
	"context"
	"fmt"
)

// Variables holds scenario-local state accumulated across the steps of one
// flow execution. It is never shared between concurrent executions.
type Variables interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// MapVariables is a simple map-based Variables implementation.
type MapVariables struct {
	data map[string]any
}

func NewVariables() *MapVariables {
	return &MapVariables{data: make(map[string]any)}
}

func (v *MapVariables) Get(key string) (any, bool) {
	val, ok := v.data[key]
	return val, ok
}

func (v *MapVariables) Set(key string, value any) {
	v.data[key] = value
}

// GetString returns the string stored under key. A missing key or a value of
// another type is an error naming the key, so a flow never proceeds on a
// silently empty handoff.
func GetString(vars Variables, key string) (string, error) {
	val, ok := vars.Get(key)
	if !ok {
		return "", fmt.Errorf("scenario variable %q not set", key)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("scenario variable %q is %T, not string", key, val)
	}
	return s, nil
}

// Context key for passing the virtual user number to steps.
type contextKey string

const vuContextKey contextKey = "vu"

func ContextWithVU(ctx context.Context, vu int) context.Context {
	return context.WithValue(ctx, vuContextKey, vu)
}

func VUFromContext(ctx context.Context) int {
	if id, ok := ctx.Value(vuContextKey).(int); ok {
		return id
	}
	return 0
}

const reporterContextKey contextKey = "reporter"

// ContextWithReporter attaches the reporter that API calls made under ctx
// should send their measurements to.
func ContextWithReporter(ctx context.Context, rep Reporter) context.Context {
	return context.WithValue(ctx, reporterContextKey, rep)
}

// ReporterFromContext returns the attached reporter, or NullReporter.
func ReporterFromContext(ctx context.Context) Reporter {
	if rep, ok := ctx.Value(reporterContextKey).(Reporter); ok && rep != nil {
		return rep
	}
	return NullReporter
}
