package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FormatText writes metrics in human-readable format.
func FormatText(w io.Writer, m *Metrics, thresholds *ThresholdResults) {
	if m.TotalRequests == 0 && m.Iterations.Count == 0 && m.Setup == nil {
		fmt.Fprintln(w, "No events collected")
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Stagehand - Run Results")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:       %v\n", m.TestDuration.Round(time.Millisecond))
	if m.PeakVUs > 0 {
		fmt.Fprintf(w, "Peak VUs:       %d\n", m.PeakVUs)
	}
	if m.Setup != nil {
		status := "ok"
		if m.Setup.Failed > 0 {
			status = "FAILED"
		}
		fmt.Fprintf(w, "Setup:          %s (%s)\n", status, FormatDuration(m.Setup.Duration.Max))
	}
	fmt.Fprintf(w, "Iterations:     %s (%s passed, %s failed)\n",
		formatNumber(m.Iterations.Count), formatNumber(m.Iterations.Passed), formatNumber(m.Iterations.Failed))
	fmt.Fprintf(w, "Checks:         %.1f%%\n", m.Iterations.CheckRate())
	fmt.Fprintf(w, "Total Requests: %s\n", formatNumber(m.TotalRequests))
	fmt.Fprintf(w, "Success Rate:   %.1f%% (%s / %s)\n",
		m.SuccessRate, formatNumber(m.SuccessCount), formatNumber(m.TotalRequests))
	fmt.Fprintf(w, "Requests/sec:   %.1f\n", m.RequestsPerSec)
	if m.DroppedEvents > 0 {
		fmt.Fprintf(w, "Dropped Events: %d\n", m.DroppedEvents)
	}

	if m.TotalRequests > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Response Times:")
		writeDurations(w, m.Duration)
	}
	if m.Iterations.Count > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Iteration Times:")
		writeDurations(w, m.Iterations.Duration)
	}

	writeByName(w, "By Request:", "reqs", m.Steps)
	writeByName(w, "By Step:", "runs", m.FlowSteps)
	writeByName(w, "Waits:", "waits", m.Waits)

	if len(m.Iterations.Errors) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Iteration Errors:")
		for _, msg := range sortedKeys(m.Iterations.Errors) {
			fmt.Fprintf(w, "  %5d  %s\n", m.Iterations.Errors[msg], msg)
		}
	}

	if thresholds != nil && len(thresholds.Results) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Thresholds:")
		for _, result := range thresholds.Results {
			symbol := "✓"
			if !result.Passed {
				symbol = "✗"
			}
			fmt.Fprintf(w, "  %s %s %s (actual: %s)\n",
				symbol, result.Name, result.Threshold, result.Actual)
		}
	}
}

func writeDurations(w io.Writer, d DurationMetrics) {
	fmt.Fprintf(w, "  Min:    %s\n", FormatDuration(d.Min))
	fmt.Fprintf(w, "  Avg:    %s\n", FormatDuration(d.Avg))
	fmt.Fprintf(w, "  P50:    %s\n", FormatDuration(d.P50))
	fmt.Fprintf(w, "  P90:    %s\n", FormatDuration(d.P90))
	fmt.Fprintf(w, "  P95:    %s\n", FormatDuration(d.P95))
	fmt.Fprintf(w, "  P99:    %s\n", FormatDuration(d.P99))
	fmt.Fprintf(w, "  Max:    %s\n", FormatDuration(d.Max))
}

func writeByName(w io.Writer, title, unit string, by map[string]*StepMetrics) {
	if len(by) == 0 {
		return
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, title)
	for _, name := range sortedKeys(by) {
		sm := by[name]
		fmt.Fprintf(w, "  %-28s %s %s  failed=%d  avg=%s  p95=%s  p99=%s\n",
			name, formatNumber(sm.Count), unit, sm.Failed,
			FormatDuration(sm.Duration.Avg),
			FormatDuration(sm.Duration.P95),
			FormatDuration(sm.Duration.P99))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatJSON writes metrics in JSON format.
func FormatJSON(w io.Writer, m *Metrics, thresholds *ThresholdResults) {
	output := struct {
		Duration       string                     `json:"duration"`
		PeakVUs        int                        `json:"peakVUs"`
		TotalRequests  int                        `json:"totalRequests"`
		SuccessCount   int                        `json:"successCount"`
		FailureCount   int                        `json:"failureCount"`
		SuccessRate    float64                    `json:"successRate"`
		RequestsPerSec float64                    `json:"requestsPerSec"`
		DroppedEvents  int64                      `json:"droppedEvents"`
		Durations      jsonDurationMetrics        `json:"durations"`
		Iterations     jsonIterationMetrics       `json:"iterations"`
		Setup          *jsonStepMetrics           `json:"setup,omitempty"`
		Steps          map[string]jsonStepMetrics `json:"steps"`
		FlowSteps      map[string]jsonStepMetrics `json:"flowSteps"`
		Waits          map[string]jsonStepMetrics `json:"waits"`
		Thresholds     *ThresholdResults          `json:"thresholds,omitempty"`
	}{
		Duration:       m.TestDuration.Round(time.Millisecond).String(),
		PeakVUs:        m.PeakVUs,
		TotalRequests:  m.TotalRequests,
		SuccessCount:   m.SuccessCount,
		FailureCount:   m.FailureCount,
		SuccessRate:    m.SuccessRate,
		RequestsPerSec: m.RequestsPerSec,
		DroppedEvents:  m.DroppedEvents,
		Durations:      toJSONDurationMetrics(m.Duration),
		Iterations: jsonIterationMetrics{
			Count:     m.Iterations.Count,
			Passed:    m.Iterations.Passed,
			Failed:    m.Iterations.Failed,
			CheckRate: m.Iterations.CheckRate(),
			Durations: toJSONDurationMetrics(m.Iterations.Duration),
			Errors:    m.Iterations.Errors,
		},
		Steps:      toJSONByName(m.Steps),
		FlowSteps:  toJSONByName(m.FlowSteps),
		Waits:      toJSONByName(m.Waits),
		Thresholds: thresholds,
	}
	if m.Setup != nil {
		s := toJSONStepMetrics(m.Setup)
		output.Setup = &s
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output) // stdout errors are unrecoverable
}

type jsonDurationMetrics struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Avg string `json:"avg"`
	P50 string `json:"p50"`
	P90 string `json:"p90"`
	P95 string `json:"p95"`
	P99 string `json:"p99"`
}

type jsonStepMetrics struct {
	Count       int                 `json:"count"`
	Success     int                 `json:"success"`
	Failed      int                 `json:"failed"`
	SuccessRate float64             `json:"successRate"`
	Durations   jsonDurationMetrics `json:"durations"`
}

type jsonIterationMetrics struct {
	Count     int                 `json:"count"`
	Passed    int                 `json:"passed"`
	Failed    int                 `json:"failed"`
	CheckRate float64             `json:"checkRate"`
	Durations jsonDurationMetrics `json:"durations"`
	Errors    map[string]int      `json:"errors,omitempty"`
}

func toJSONByName(by map[string]*StepMetrics) map[string]jsonStepMetrics {
	out := make(map[string]jsonStepMetrics, len(by))
	for name, sm := range by {
		out[name] = toJSONStepMetrics(sm)
	}
	return out
}

func toJSONStepMetrics(sm *StepMetrics) jsonStepMetrics {
	rate := 0.0
	if sm.Count > 0 {
		rate = float64(sm.Success) / float64(sm.Count) * 100
	}
	return jsonStepMetrics{
		Count:       sm.Count,
		Success:     sm.Success,
		Failed:      sm.Failed,
		SuccessRate: rate,
		Durations:   toJSONDurationMetrics(sm.Duration),
	}
}

func toJSONDurationMetrics(d DurationMetrics) jsonDurationMetrics {
	return jsonDurationMetrics{
		Min: FormatDuration(d.Min),
		Max: FormatDuration(d.Max),
		Avg: FormatDuration(d.Avg),
		P50: FormatDuration(d.P50),
		P90: FormatDuration(d.P90),
		P95: FormatDuration(d.P95),
		P99: FormatDuration(d.P99),
	}
}

// formatNumber groups digits in thousands: 1234567 -> 1,234,567.
func formatNumber(n int) string {
	digits := strconv.Itoa(n)
	sign := ""
	if n < 0 {
		sign, digits = "-", digits[1:]
	}
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return sign + b.String()
}
