// Package core defines the contracts shared by the functional and load runners.
package core

import (
	"context"
	"time"
)

// Event kinds.
const (
	KindHTTP      = "http"
	KindWait      = "wait"
	KindStep      = "step"
	KindIteration = "iteration"
	KindSetup     = "setup"
)

// Event represents a single measurement taken while driving a flow.
type Event struct {
	VU         int
	Actor      string
	Timestamp  time.Time
	Step       string
	Kind       string
	Duration   time.Duration
	Success    bool
	Error      string
	StatusCode int   // HTTP status for http events, 0 otherwise
	BytesSent  int64 // Request size for throughput metrics
	BytesRecv  int64 // Response size for throughput metrics
}

// Workflow is one independent execution of a scenario by a virtual user.
// data is the read-only payload produced by the one-shot setup phase.
type Workflow interface {
	Run(ctx context.Context, vu int, data SetupData, rep Reporter) error
}

// Setupper is implemented by workflows that need a one-shot setup phase
// before any virtual user starts.
type Setupper interface {
	Setup(ctx context.Context, rep Reporter) (SetupData, error)
}

// Reporter is the interface flows use to send events to the Collector.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Tee returns a Reporter forwarding every event to all non-nil reporters.
func Tee(reporters ...Reporter) Reporter {
	var rs []Reporter
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	if len(rs) == 1 {
		return rs[0]
	}
	return ReporterFunc(func(e Event) {
		for _, r := range rs {
			r.Report(e)
		}
	})
}
