// Package collector aggregates the events of a run into metrics and checks
// them against pass/fail thresholds.
package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"stagehand/internal/core"
)

// DefaultBufferSize is the number of events queued before Report drops.
const DefaultBufferSize = 10000

// Collector aggregates events from all VUs. Report never blocks; events that
// do not fit the buffer are counted as dropped.
type Collector struct {
	events    []core.Event
	ch        chan core.Event
	done      chan struct{}
	mu        sync.Mutex
	dropped   atomic.Int64
	gate      sync.RWMutex
	closed    bool
	startTime time.Time
	endTime   time.Time
}

// NewCollector creates a Collector and starts its collection goroutine.
func NewCollector() *Collector {
	return NewCollectorWithBuffer(DefaultBufferSize)
}

// NewCollectorWithBuffer creates a Collector with a custom queue size.
func NewCollectorWithBuffer(size int) *Collector {
	c := &Collector{
		events:    make([]core.Event, 0),
		ch:        make(chan core.Event, size),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
	go c.collect()
	return c
}

func (c *Collector) collect() {
	for event := range c.ch {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
	}
	close(c.done)
}

// Report sends an event to the collector. Thread-safe. Events reported
// after Close are dropped.
func (c *Collector) Report(event core.Event) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
	}
}

// Close stops accepting events and waits for the queue to drain. Safe to
// call more than once.
func (c *Collector) Close() {
	c.gate.Lock()
	if c.closed {
		c.gate.Unlock()
		return
	}
	c.closed = true
	c.mu.Lock()
	c.endTime = time.Now()
	c.mu.Unlock()
	close(c.ch)
	c.gate.Unlock()
	<-c.done
}

// Events returns a copy of collected events.
func (c *Collector) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]core.Event, len(c.events))
	copy(result, c.events)
	return result
}

// DroppedEvents returns the number of events lost to a full queue.
func (c *Collector) DroppedEvents() int64 {
	return c.dropped.Load()
}

// Duration returns the time from creation to Close, or to now while running.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endTime.IsZero() {
		return c.endTime.Sub(c.startTime)
	}
	return time.Since(c.startTime)
}

// Compute aggregates what has been collected so far.
func (c *Collector) Compute() *Metrics {
	m := ComputeMetrics(c.Events(), c.Duration())
	m.DroppedEvents = c.DroppedEvents()
	return m
}
