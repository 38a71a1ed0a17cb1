package core

import (
	"context"
	"errors"
	"time"
)

// ErrMaxIterationsReached indicates the runner hit its iteration limit.
var ErrMaxIterationsReached = errors.New("max iterations reached")

// NullReporter discards all events (used during warmup).
var NullReporter Reporter = nullReporter{}

type nullReporter struct{}

func (nullReporter) Report(Event) {}

// RunnerConfig controls execution behavior.
type RunnerConfig struct {
	MaxIterations int // 0 = unlimited
	WarmupIters   int // iterations before metrics count (per-VU)
}

// Runner controls iteration-level workflow execution for one virtual user.
// A Runner is NOT safe for concurrent use; each VU goroutine must have its own Runner.
type Runner struct {
	workflow  Workflow
	reporter  Reporter
	data      SetupData
	vu        int
	config    RunnerConfig
	iteration int
}

// NewRunner creates a Runner for a single virtual user.
func NewRunner(workflow Workflow, reporter Reporter, data SetupData, vu int, config RunnerConfig) *Runner {
	return &Runner{
		workflow: workflow,
		reporter: reporter,
		data:     data,
		vu:       vu,
		config:   config,
	}
}

// RunIteration executes one complete workflow iteration and reports its
// outcome as an iteration event.
// Returns nil on success, ErrMaxIterationsReached when limit hit, or workflow error.
func (r *Runner) RunIteration(ctx context.Context) error {
	if r.config.MaxIterations > 0 && r.iteration >= r.config.MaxIterations {
		return ErrMaxIterationsReached
	}

	rep := r.reporter
	if r.iteration < r.config.WarmupIters {
		rep = NullReporter
	}

	start := time.Now()
	iterCtx := ContextWithReporter(ContextWithVU(ctx, r.vu), rep)
	err := r.workflow.Run(iterCtx, r.vu, r.data, rep)
	r.iteration++

	ev := Event{
		VU:        r.vu,
		Timestamp: time.Now(),
		Step:      "iteration",
		Kind:      KindIteration,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	rep.Report(ev)
	return err
}

// Iteration returns current iteration count (1-indexed, after RunIteration completes).
func (r *Runner) Iteration() int {
	return r.iteration
}

// IsWarmup returns true if still in warmup phase.
func (r *Runner) IsWarmup() bool {
	return r.iteration < r.config.WarmupIters
}
