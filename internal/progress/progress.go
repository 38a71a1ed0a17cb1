// Package progress prints a live status line to stderr during load runs.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"stagehand/internal/collector"
)

// clearLine erases the terminal line the status was drawn on.
const clearLine = "\033[K"

// Progress redraws a one-line summary of the run every Interval. Messages
// printed while it runs are written above the status line. A quiet
// Progress writes nothing.
type Progress struct {
	Interval time.Duration

	out     io.Writer
	quiet   bool
	metrics func() *collector.Metrics

	mu      sync.Mutex
	vus     func() int
	started time.Time
	done    chan struct{}
	wg      sync.WaitGroup
	stop    sync.Once
}

func NewProgress(out io.Writer, c *collector.Collector, quiet bool) *Progress {
	return &Progress{
		Interval: time.Second,
		out:      out,
		quiet:    quiet,
		metrics:  c.Compute,
		started:  time.Now(),
	}
}

// TrackVUs makes the status line show the live VU count reported by fn.
func (p *Progress) TrackVUs(fn func() int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vus = fn
}

func (p *Progress) Start() {
	if p.quiet {
		return
	}
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return
	}
	p.started = time.Now()
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.Interval)
		defer t.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-t.C:
				p.emit("%s%s\r", clearLine, p.Line())
			}
		}
	}()
}

// Stop ends the redraws and clears the status line. It is safe to call
// more than once and without Start.
func (p *Progress) Stop() {
	if p.quiet {
		return
	}
	p.stop.Do(func() {
		p.mu.Lock()
		done := p.done
		p.mu.Unlock()
		if done == nil {
			return
		}
		close(done)
		p.wg.Wait()
		p.emit(clearLine)
	})
}

// Printf writes a message line above the status line.
func (p *Progress) Printf(format string, args ...any) {
	if p.quiet {
		return
	}
	p.emit(clearLine+format+"\n", args...)
}

func (p *Progress) emit(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// Line renders the current status.
func (p *Progress) Line() string {
	m := p.metrics()

	p.mu.Lock()
	vus, started := p.vus, p.started
	p.mu.Unlock()

	elapsed := time.Since(started).Truncate(time.Second)
	line := fmt.Sprintf("[%02d:%02d]", int(elapsed.Minutes()), int(elapsed.Seconds())%60)
	if vus != nil {
		line += fmt.Sprintf(" VUs: %d |", vus())
	}
	line += fmt.Sprintf(" Iterations: %d (%d failed) | Requests: %d | RPS: %.1f | Errors: %d (%.1f%%)",
		m.Iterations.Count, m.Iterations.Failed,
		m.TotalRequests, m.RequestsPerSec, m.FailureCount, m.FailedRate())

	var waits, missed int
	for _, w := range m.Waits {
		waits += w.Count
		missed += w.Failed
	}
	if waits > 0 {
		line += fmt.Sprintf(" | Waits: %d (%d missed)", waits, missed)
	}
	return line
}
