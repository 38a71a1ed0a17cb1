package collector

import (
	"time"

	"stagehand/internal/core"
)

type byName struct {
	metrics   map[string]*StepMetrics
	durations map[string][]time.Duration
}

func newByName() *byName {
	return &byName{metrics: make(map[string]*StepMetrics), durations: make(map[string][]time.Duration)}
}

func (b *byName) add(e core.Event) {
	sm, ok := b.metrics[e.Step]
	if !ok {
		sm = &StepMetrics{}
		b.metrics[e.Step] = sm
	}
	sm.Count++
	if e.Success {
		sm.Success++
	} else {
		sm.Failed++
	}
	b.durations[e.Step] = append(b.durations[e.Step], e.Duration)
}

func (b *byName) finish() map[string]*StepMetrics {
	for name, ds := range b.durations {
		b.metrics[name].Duration = ComputeDurationMetrics(ds)
	}
	return b.metrics
}

// ComputeMetrics aggregates events by kind. Events without a kind count as
// HTTP requests. Pure function.
func ComputeMetrics(events []core.Event, testDuration time.Duration) *Metrics {
	m := &Metrics{TestDuration: testDuration}

	httpSteps, flowSteps, waits := newByName(), newByName(), newByName()
	var httpDurations, iterDurations, setupDurations []time.Duration

	for _, e := range events {
		switch e.Kind {
		case core.KindHTTP, "":
			m.TotalRequests++
			if e.Success {
				m.SuccessCount++
			} else {
				m.FailureCount++
			}
			httpDurations = append(httpDurations, e.Duration)
			httpSteps.add(e)
		case core.KindStep:
			flowSteps.add(e)
		case core.KindWait:
			waits.add(e)
		case core.KindIteration:
			it := &m.Iterations
			it.Count++
			if e.Success {
				it.Passed++
			} else {
				it.Failed++
				if it.Errors == nil {
					it.Errors = make(map[string]int)
				}
				it.Errors[e.Error]++
			}
			iterDurations = append(iterDurations, e.Duration)
		case core.KindSetup:
			if m.Setup == nil {
				m.Setup = &StepMetrics{}
			}
			m.Setup.Count++
			if e.Success {
				m.Setup.Success++
			} else {
				m.Setup.Failed++
			}
			setupDurations = append(setupDurations, e.Duration)
		}
	}

	if m.TotalRequests > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalRequests) * 100
	}
	if m.TestDuration > 0 {
		m.RequestsPerSec = float64(m.TotalRequests) / m.TestDuration.Seconds()
	}

	m.Duration = ComputeDurationMetrics(httpDurations)
	m.Steps = httpSteps.finish()
	m.FlowSteps = flowSteps.finish()
	m.Waits = waits.finish()
	m.Iterations.Duration = ComputeDurationMetrics(iterDurations)
	if m.Setup != nil {
		m.Setup.Duration = ComputeDurationMetrics(setupDurations)
	}
	return m
}
