package collector

import (
	"sync"
	"testing"
	"time"

	"stagehand/internal/core"
)

func TestCollector_Aggregates(t *testing.T) {
	c := NewCollector()
	for _, e := range []core.Event{
		{VU: 1, Kind: core.KindHTTP, Step: "create_connection", Success: true, Duration: 10 * time.Millisecond},
		{VU: 2, Kind: core.KindHTTP, Step: "create_connection", Success: true, Duration: 20 * time.Millisecond},
		{VU: 2, Kind: core.KindHTTP, Step: "accept_invitation", Success: true, Duration: 30 * time.Millisecond},
		{VU: 3, Kind: core.KindHTTP, Step: "accept_invitation", Success: false, Error: "connection refused", Duration: 40 * time.Millisecond},
		{VU: 3, Kind: core.KindIteration, Step: "iteration", Success: false, Error: "connection refused"},
	} {
		c.Report(e)
	}
	c.Close()

	if got := len(c.Events()); got != 5 {
		t.Fatalf("expected 5 events, got %d", got)
	}

	m := c.Compute()
	if m.TotalRequests != 4 || m.SuccessCount != 3 || m.FailureCount != 1 {
		t.Errorf("unexpected request counts %d/%d/%d", m.TotalRequests, m.SuccessCount, m.FailureCount)
	}
	if m.SuccessRate != 75 {
		t.Errorf("expected 75%% success rate, got %.1f%%", m.SuccessRate)
	}
	if m.Steps["create_connection"].Count != 2 || m.Steps["accept_invitation"].Failed != 1 {
		t.Errorf("unexpected per-request metrics %+v", m.Steps)
	}
	if m.Duration.Max != 40*time.Millisecond {
		t.Errorf("expected max 40ms, got %v", m.Duration.Max)
	}
	if m.Iterations.Failed != 1 || m.Iterations.Errors["connection refused"] != 1 {
		t.Errorf("unexpected iterations %+v", m.Iterations)
	}
}

func TestCollector_Empty(t *testing.T) {
	c := NewCollector()
	c.Close()

	m := c.Compute()
	if m.TotalRequests != 0 || m.Iterations.Count != 0 || m.Setup != nil {
		t.Errorf("expected empty metrics, got %+v", m)
	}
}

func TestCollector_ComputeWhileRunning(t *testing.T) {
	c := NewCollector()
	defer c.Close()

	c.Report(core.Event{Kind: core.KindHTTP, Step: "get_connection", Success: true})
	deadline := time.Now().Add(time.Second)
	for c.Compute().TotalRequests == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m := c.Compute()
	if m.TotalRequests != 1 || m.RequestsPerSec <= 0 {
		t.Errorf("expected live metrics, got %d requests at %.1f/s", m.TotalRequests, m.RequestsPerSec)
	}
}

func TestCollector_ConcurrentReporters(t *testing.T) {
	const vus, perVU = 50, 40
	c := NewCollectorWithBuffer(vus * perVU)

	var wg sync.WaitGroup
	for vu := 1; vu <= vus; vu++ {
		wg.Add(1)
		go func(vu int) {
			defer wg.Done()
			for j := 0; j < perVU; j++ {
				c.Report(core.Event{VU: vu, Kind: core.KindHTTP, Step: "get_record", Success: true, Duration: time.Millisecond})
			}
		}(vu)
	}
	wg.Wait()
	c.Close()

	if got := len(c.Events()); got != vus*perVU {
		t.Errorf("expected %d events, got %d (dropped %d)", vus*perVU, got, c.DroppedEvents())
	}
	seen := make(map[int]bool)
	for _, e := range c.Events() {
		seen[e.VU] = true
	}
	if len(seen) != vus {
		t.Errorf("expected events from %d VUs, got %d", vus, len(seen))
	}
}

func TestCollector_DurationStopsAtClose(t *testing.T) {
	c := NewCollector()
	time.Sleep(10 * time.Millisecond)
	c.Close()

	d := c.Duration()
	if d < 10*time.Millisecond {
		t.Errorf("expected at least 10ms, got %v", d)
	}
	time.Sleep(10 * time.Millisecond)
	if c.Duration() != d {
		t.Error("duration kept growing after Close")
	}
}

func TestCollector_DropsWhenFull(t *testing.T) {
	c := NewCollectorWithBuffer(1)
	// Hold the collection goroutine off the queue so it fills.
	c.mu.Lock()
	for i := 0; i < 10; i++ {
		c.Report(core.Event{VU: 1, Step: "get_record", Success: true})
	}
	c.mu.Unlock()
	c.Close()

	if c.DroppedEvents() == 0 {
		t.Error("expected dropped events with a full queue")
	}
	if got := int64(len(c.Events())) + c.DroppedEvents(); got != 10 {
		t.Errorf("expected kept+dropped = 10, got %d", got)
	}
	if m := c.Compute(); m.DroppedEvents != c.DroppedEvents() {
		t.Errorf("expected metrics to carry %d dropped events, got %d", c.DroppedEvents(), m.DroppedEvents)
	}
}

func TestCollector_ReportAfterClose(t *testing.T) {
	c := NewCollector()
	c.Close()
	c.Close()

	c.Report(core.Event{VU: 1, Step: "late", Success: true})
	if len(c.Events()) != 0 {
		t.Error("events reported after Close must not be collected")
	}
	if c.DroppedEvents() != 1 {
		t.Errorf("expected 1 dropped event, got %d", c.DroppedEvents())
	}
}
