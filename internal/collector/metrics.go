package collector

import (
	"sort"
	"time"
)

// Metrics is the aggregate of one run.
type Metrics struct {
	// HTTP requests.
	TotalRequests  int                     `json:"totalRequests"`
	SuccessCount   int                     `json:"successCount"`
	FailureCount   int                     `json:"failureCount"`
	SuccessRate    float64                 `json:"successRate"`
	RequestsPerSec float64                 `json:"requestsPerSec"`
	Duration       DurationMetrics         `json:"durations"`
	Steps          map[string]*StepMetrics `json:"steps"`

	// Flow steps and waits, keyed by name.
	FlowSteps map[string]*StepMetrics `json:"flowSteps"`
	Waits     map[string]*StepMetrics `json:"waits"`

	Iterations IterationMetrics `json:"iterations"`
	Setup      *StepMetrics     `json:"setup,omitempty"`

	TestDuration  time.Duration `json:"testDuration"`
	DroppedEvents int64         `json:"droppedEvents"`
	PeakVUs       int           `json:"peakVUs"`
}

// IterationMetrics summarizes complete flow executions. The check rate is
// the share of iterations that passed.
type IterationMetrics struct {
	Count    int             `json:"count"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Duration DurationMetrics `json:"durations"`
	Errors   map[string]int  `json:"errors,omitempty"`
}

// CheckRate returns the passed share of iterations in percent, 100 when
// nothing ran.
func (m IterationMetrics) CheckRate() float64 {
	if m.Count == 0 {
		return 100
	}
	return float64(m.Passed) / float64(m.Count) * 100
}

// FailedRate returns the failed share of HTTP requests in percent.
func (m *Metrics) FailedRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailureCount) / float64(m.TotalRequests) * 100
}

// DurationMetrics contains latency statistics.
type DurationMetrics struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	Avg time.Duration `json:"avg"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// StepMetrics contains per-name statistics.
type StepMetrics struct {
	Count    int             `json:"count"`
	Success  int             `json:"success"`
	Failed   int             `json:"failed"`
	Duration DurationMetrics `json:"durations"`
}

// ComputePercentile returns the p-th (0..1) percentile of an ascending
// slice: the element at index floor((n-1)*p).
func ComputePercentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// ComputeDurationMetrics calculates all duration statistics from a slice of durations.
func ComputeDurationMetrics(durations []time.Duration) DurationMetrics {
	if len(durations) == 0 {
		return DurationMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return DurationMetrics{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: total / time.Duration(len(sorted)),
		P50: ComputePercentile(sorted, 0.50),
		P90: ComputePercentile(sorted, 0.90),
		P95: ComputePercentile(sorted, 0.95),
		P99: ComputePercentile(sorted, 0.99),
	}
}
