package collector

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"stagehand/internal/core"
)

// issuanceMetrics computes metrics for a short credential issuance run.
func issuanceMetrics() *Metrics {
	events := []core.Event{
		{Kind: core.KindSetup, Step: "setup", Success: true, Duration: time.Second},
		{Kind: core.KindHTTP, Step: "create_offer", Success: true, Duration: 40 * time.Millisecond},
		{Kind: core.KindHTTP, Step: "create_offer", Success: true, Duration: 60 * time.Millisecond},
		{Kind: core.KindHTTP, Step: "accept_offer", Success: false, Duration: 20 * time.Millisecond, StatusCode: 500},
		{Kind: core.KindWait, Step: "CredentialReceived", Success: true, Duration: 200 * time.Millisecond},
		{Kind: core.KindStep, Step: "holder accepts offer", Success: true, Duration: 20 * time.Millisecond},
		{Kind: core.KindIteration, Step: "iteration", Success: true, Duration: 800 * time.Millisecond},
		{Kind: core.KindIteration, Step: "iteration", Success: false, Error: "credential record r-1 timed out", Duration: time.Second},
	}
	m := ComputeMetrics(events, 2*time.Second)
	m.PeakVUs = 30
	return m
}

func assertContains(t *testing.T, output string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestFormatText(t *testing.T) {
	var buf bytes.Buffer
	FormatText(&buf, issuanceMetrics(), nil)

	assertContains(t, buf.String(),
		"Stagehand - Run Results",
		"Duration:       2s",
		"Peak VUs:       30",
		"Setup:          ok (1.0s)",
		"Iterations:     2 (1 passed, 1 failed)",
		"Checks:         50.0%",
		"Total Requests: 3",
		"Success Rate:   66.7% (2 / 3)",
		"Requests/sec:   1.5",
		"Response Times:",
		"Iteration Times:",
		"By Request:",
		"By Step:",
		"Waits:",
		"Iteration Errors:",
		"      1  credential record r-1 timed out",
	)
}

func TestFormatText_SectionsFollowNameOrder(t *testing.T) {
	var buf bytes.Buffer
	FormatText(&buf, issuanceMetrics(), nil)
	out := buf.String()

	if strings.Index(out, "accept_offer") > strings.Index(out, "create_offer") {
		t.Errorf("expected requests listed by name:\n%s", out)
	}
}

func TestFormatText_NoEvents(t *testing.T) {
	var buf bytes.Buffer
	FormatText(&buf, &Metrics{}, nil)

	if got := buf.String(); got != "No events collected\n" {
		t.Errorf("got %q", got)
	}
}

func TestFormatText_FailedSetupOnly(t *testing.T) {
	m := ComputeMetrics([]core.Event{{Kind: core.KindSetup, Step: "setup", Success: false, Error: "issuer DID not published"}}, time.Second)

	var buf bytes.Buffer
	FormatText(&buf, m, nil)
	assertContains(t, buf.String(), "Setup:          FAILED")
}

func TestFormatText_Thresholds(t *testing.T) {
	results := &ThresholdResults{Results: []ThresholdResult{
		{Name: "http_req_duration.p95", Passed: true, Threshold: "<500ms", Actual: "60ms"},
		{Name: "checks.rate", Passed: false, Threshold: ">=99%", Actual: "50.0%"},
	}}

	var buf bytes.Buffer
	FormatText(&buf, issuanceMetrics(), results)
	assertContains(t, buf.String(),
		"Thresholds:",
		"  ✓ http_req_duration.p95 <500ms (actual: 60ms)",
		"  ✗ checks.rate >=99% (actual: 50.0%)",
	)
}

type jsonReport struct {
	Duration      string `json:"duration"`
	PeakVUs       int    `json:"peakVUs"`
	TotalRequests int    `json:"totalRequests"`
	FailureCount  int    `json:"failureCount"`
	Iterations    struct {
		Count     int            `json:"count"`
		CheckRate float64        `json:"checkRate"`
		Errors    map[string]int `json:"errors"`
	} `json:"iterations"`
	Setup *struct {
		Count int `json:"count"`
	} `json:"setup"`
	Steps map[string]struct {
		Count       int     `json:"count"`
		SuccessRate float64 `json:"successRate"`
	} `json:"steps"`
	Waits      map[string]json.RawMessage `json:"waits"`
	Thresholds *ThresholdResults          `json:"thresholds"`
}

func decodeReport(t *testing.T, m *Metrics, thresholds *ThresholdResults) jsonReport {
	t.Helper()
	var buf bytes.Buffer
	FormatJSON(&buf, m, thresholds)
	var out jsonReport
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	return out
}

func TestFormatJSON(t *testing.T) {
	out := decodeReport(t, issuanceMetrics(), nil)

	if out.Duration != "2s" || out.PeakVUs != 30 || out.TotalRequests != 3 || out.FailureCount != 1 {
		t.Errorf("unexpected summary %+v", out)
	}
	if out.Iterations.Count != 2 || out.Iterations.CheckRate != 50 || out.Iterations.Errors["credential record r-1 timed out"] != 1 {
		t.Errorf("unexpected iterations %+v", out.Iterations)
	}
	if out.Setup == nil || out.Setup.Count != 1 {
		t.Errorf("expected setup metrics, got %+v", out.Setup)
	}
	if s := out.Steps["create_offer"]; s.Count != 2 || s.SuccessRate != 100 {
		t.Errorf("unexpected create_offer metrics %+v", s)
	}
	if _, ok := out.Waits["CredentialReceived"]; !ok {
		t.Errorf("expected webhook waits, got %v", out.Waits)
	}
	if out.Thresholds != nil {
		t.Error("expected thresholds to be omitted when nil")
	}
}

func TestFormatJSON_Thresholds(t *testing.T) {
	out := decodeReport(t, issuanceMetrics(), &ThresholdResults{Passed: true, Results: []ThresholdResult{
		{Name: "checks.rate", Passed: true, Threshold: ">=50%", Actual: "50.0%"},
	}})

	if out.Thresholds == nil || !out.Thresholds.Passed || out.Thresholds.Results[0].Name != "checks.rate" {
		t.Errorf("unexpected thresholds %+v", out.Thresholds)
	}
}

func TestFormatNumber(t *testing.T) {
	for n, want := range map[int]string{
		0:          "0",
		999:        "999",
		1000:       "1,000",
		1234:       "1,234",
		100000:     "100,000",
		1234567:    "1,234,567",
		1000000000: "1,000,000,000",
		-4500:      "-4,500",
	} {
		if got := formatNumber(n); got != want {
			t.Errorf("formatNumber(%d) = %q, want %q", n, got, want)
		}
	}
}
