package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigurationError reports bad or missing role data, or a credential
// bootstrap failure. It is always fatal to the whole run.
type ConfigurationError struct {
	Actor  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Actor != "" {
		fmt.Fprintf(&b, " for actor %q", e.Actor)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotFoundError reports a reference to an unknown actor or role.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// DuplicateAbilityError reports an attempt to attach a second ability of
// the same kind to one actor.
type DuplicateAbilityError struct {
	Actor string
	Kind  string
}

func (e *DuplicateAbilityError) Error() string {
	return fmt.Sprintf("actor %q already has an ability of kind %q", e.Actor, e.Kind)
}

// UnexpectedResponseError reports an API call whose status fell outside
// the expected contract.
type UnexpectedResponseError struct {
	Method   string
	URL      string
	Expected []int
	Actual   int
	Body     string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("%s %s: expected status %v, got %d: %s",
		e.Method, e.URL, e.Expected, e.Actual, e.Body)
}

// TimeoutError reports a webhook wait or status poll that exceeded its bound.
type TimeoutError struct {
	Condition string
	Waited    time.Duration
	Attempts  int
}

func (e *TimeoutError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("timed out waiting for %s after %d attempts (%v)",
			e.Condition, e.Attempts, e.Waited.Round(time.Millisecond))
	}
	return fmt.Sprintf("timed out waiting for %s after %v",
		e.Condition, e.Waited.Round(time.Millisecond))
}

// IsFatal reports whether err indicates a wiring or configuration bug that
// must abort the whole run rather than a single scenario or iteration.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	var nfErr *NotFoundError
	var dupErr *DuplicateAbilityError
	return errors.As(err, &cfgErr) || errors.As(err, &nfErr) || errors.As(err, &dupErr)
}
