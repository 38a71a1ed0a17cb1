// Package flow runs ordered multi-actor steps and bounded waits.
package flow

import (
	"context"
	"fmt"
	"time"

	"stagehand/internal/core"
)

// Step is one unit of a flow, executed on behalf of Actor.
type Step struct {
	Name  string
	Actor string
	Run   func(ctx context.Context, vars core.Variables) error
}

// StepError reports the step at which a flow stopped.
type StepError struct {
	Flow  string
	Step  string
	Actor string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("flow %s: step %d (%s by %s): %v", e.Flow, e.Index+1, e.Step, e.Actor, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Driver executes its steps strictly in order. A step starts only after the
// previous one returned, and the first failing step ends the run.
type Driver struct {
	Name  string
	Steps []Step
}

// New creates a driver.
func New(name string, steps ...Step) *Driver {
	return &Driver{Name: name, Steps: steps}
}

// Then appends a step.
func (d *Driver) Then(name, actor string, run func(ctx context.Context, vars core.Variables) error) *Driver {
	d.Steps = append(d.Steps, Step{Name: name, Actor: actor, Run: run})
	return d
}

// Run executes the flow with vars as its only shared state. Every step is
// reported as a step event to the reporter attached to ctx.
func (d *Driver) Run(ctx context.Context, vars core.Variables) error {
	rep := core.ReporterFromContext(ctx)
	vu := core.VUFromContext(ctx)

	for i, s := range d.Steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Flow: d.Name, Step: s.Name, Actor: s.Actor, Index: i, Err: err}
		}

		start := time.Now()
		err := s.Run(ctx, vars)
		ev := core.Event{
			VU:        vu,
			Actor:     s.Actor,
			Timestamp: time.Now(),
			Step:      s.Name,
			Kind:      core.KindStep,
			Duration:  time.Since(start),
			Success:   err == nil,
		}
		if err != nil {
			ev.Error = err.Error()
		}
		rep.Report(ev)

		if err != nil {
			return &StepError{Flow: d.Name, Step: s.Name, Actor: s.Actor, Index: i, Err: err}
		}
	}
	return nil
}
