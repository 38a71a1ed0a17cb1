package collector

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Thresholds defines pass/fail criteria evaluated after the run.
type Thresholds struct {
	HTTPReqDuration   *DurationThresholds `yaml:"http_req_duration"`
	HTTPReqFailed     *RateThreshold      `yaml:"http_req_failed"`
	Checks            *RateThreshold      `yaml:"checks"`
	IterationDuration *DurationThresholds `yaml:"iteration_duration"`
}

// DurationThresholds defines inclusive latency limits.
type DurationThresholds struct {
	Avg time.Duration `yaml:"avg"`
	P50 time.Duration `yaml:"p50"`
	P90 time.Duration `yaml:"p90"`
	P95 time.Duration `yaml:"p95"`
	P99 time.Duration `yaml:"p99"`
}

// RateThreshold is a percentage expression such as "==0%", "<1%", ">=99%".
// A bare "5%" means "<5%". AbortOnFail stops a load run as soon as the
// live value violates it.
type RateThreshold struct {
	Rate        string `yaml:"rate"`
	AbortOnFail bool   `yaml:"abortOnFail,omitempty"`
}

// ThresholdResult represents the outcome of a single threshold check.
type ThresholdResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
}

// ThresholdResults contains all threshold check results.
type ThresholdResults struct {
	Passed  bool              `json:"passed"`
	Results []ThresholdResult `json:"results"`
}

// Validate reports malformed rate expressions.
func (t *Thresholds) Validate() error {
	if t == nil {
		return nil
	}
	var errs []error
	for name, r := range map[string]*RateThreshold{"http_req_failed": t.HTTPReqFailed, "checks": t.Checks} {
		if r == nil {
			continue
		}
		if _, err := parseRate(r.Rate); err != nil {
			errs = append(errs, fmt.Errorf("threshold %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Check evaluates all thresholds against computed metrics. When any
// threshold is set, events dropped by the collector fail the check.
func (t *Thresholds) Check(m *Metrics) *ThresholdResults {
	results := &ThresholdResults{Passed: true, Results: make([]ThresholdResult, 0)}
	if t == nil {
		return results
	}

	if t.HTTPReqDuration != nil {
		results.checkDurations("http_req_duration", t.HTTPReqDuration, m.Duration)
	}
	if t.HTTPReqFailed != nil {
		results.checkRate("http_req_failed.rate", t.HTTPReqFailed, m.FailedRate())
	}
	if t.Checks != nil {
		results.checkRate("checks.rate", t.Checks, m.Iterations.CheckRate())
	}
	if t.IterationDuration != nil {
		results.checkDurations("iteration_duration", t.IterationDuration, m.Iterations.Duration)
	}
	// Lost events may hide failures from every rate above.
	if m.DroppedEvents > 0 {
		results.add(ThresholdResult{
			Name:      "dropped_events",
			Passed:    false,
			Threshold: "==0",
			Actual:    strconv.FormatInt(m.DroppedEvents, 10),
		})
	}
	return results
}

// Abort returns the first abortOnFail threshold the live metrics violate.
func (t *Thresholds) Abort(m *Metrics) (ThresholdResult, bool) {
	if t == nil {
		return ThresholdResult{}, false
	}
	probe := &ThresholdResults{Passed: true}
	if t.HTTPReqFailed != nil && t.HTTPReqFailed.AbortOnFail && m.TotalRequests > 0 {
		probe.checkRate("http_req_failed.rate", t.HTTPReqFailed, m.FailedRate())
	}
	if t.Checks != nil && t.Checks.AbortOnFail && m.Iterations.Count > 0 {
		probe.checkRate("checks.rate", t.Checks, m.Iterations.CheckRate())
	}
	if v := probe.Violations(); len(v) > 0 {
		return v[0], true
	}
	return ThresholdResult{}, false
}

func (r *ThresholdResults) add(res ThresholdResult) {
	if !res.Passed {
		r.Passed = false
	}
	r.Results = append(r.Results, res)
}

func (r *ThresholdResults) checkDurations(metric string, limits *DurationThresholds, actual DurationMetrics) {
	checks := []struct {
		stat      string
		threshold time.Duration
		actual    time.Duration
	}{
		{"avg", limits.Avg, actual.Avg},
		{"p50", limits.P50, actual.P50},
		{"p90", limits.P90, actual.P90},
		{"p95", limits.P95, actual.P95},
		{"p99", limits.P99, actual.P99},
	}

	for _, check := range checks {
		if check.threshold == 0 {
			continue
		}
		r.add(ThresholdResult{
			Name:      metric + "." + check.stat,
			Passed:    check.actual <= check.threshold,
			Threshold: "<=" + FormatDuration(check.threshold),
			Actual:    FormatDuration(check.actual),
		})
	}
}

func (r *ThresholdResults) checkRate(name string, t *RateThreshold, actual float64) {
	expr, err := parseRate(t.Rate)
	if err != nil {
		r.add(ThresholdResult{Name: name, Passed: false, Threshold: t.Rate, Actual: err.Error()})
		return
	}
	r.add(ThresholdResult{
		Name:      name,
		Passed:    expr.holds(actual),
		Threshold: expr.String(),
		Actual:    fmt.Sprintf("%.2f%%", actual),
	})
}

type rateExpr struct {
	op    string
	value float64
}

var rateOps = []string{"==", "<=", ">=", "<", ">"}

func parseRate(s string) (rateExpr, error) {
	s = strings.TrimSpace(s)
	op := "<"
	for _, candidate := range rateOps {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = strings.TrimSpace(strings.TrimPrefix(s, candidate))
			break
		}
	}
	if !strings.HasSuffix(s, "%") {
		return rateExpr{}, fmt.Errorf("invalid rate %q: expected a percentage", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return rateExpr{}, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if v < 0 || v > 100 {
		return rateExpr{}, fmt.Errorf("invalid rate %q: out of range", s)
	}
	return rateExpr{op: op, value: v}, nil
}

func (e rateExpr) holds(actual float64) bool {
	const eps = 1e-9
	switch e.op {
	case "==":
		return actual > e.value-eps && actual < e.value+eps
	case "<=":
		return actual <= e.value+eps
	case ">=":
		return actual >= e.value-eps
	case ">":
		return actual > e.value
	default:
		return actual < e.value
	}
}

func (e rateExpr) String() string {
	return e.op + strconv.FormatFloat(e.value, 'f', -1, 64) + "%"
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// Violations returns only the failed threshold results.
func (r *ThresholdResults) Violations() []ThresholdResult {
	violations := make([]ThresholdResult, 0)
	for _, result := range r.Results {
		if !result.Passed {
			violations = append(violations, result)
		}
	}
	return violations
}
