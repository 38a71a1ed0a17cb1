// Package coordinator manages virtual user lifecycle and orchestration.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/logging"
	"stagehand/internal/progress"
	"stagehand/internal/ratelimit"
)

const (
	// phaseTickInterval is how often we check for phase transitions
	// and adjust VU counts during schedule execution.
	phaseTickInterval = 100 * time.Millisecond
	// abortCheckInterval is how often Options.Abort is consulted.
	abortCheckInterval = time.Second

	DefaultGracefulStop     = 30 * time.Second
	DefaultGracefulRampDown = 30 * time.Second
)

// ErrAborted is returned by Run when Options.Abort ended the run early.
var ErrAborted = errors.New("run aborted by threshold")

var logger = logging.GetLogger("coordinator")

// Options controls a scheduled run.
type Options struct {
	Runner core.RunnerConfig
	// GracefulStop bounds how long in-flight iterations may run once the
	// schedule has ended.
	GracefulStop time.Duration
	// GracefulRampDown bounds how long a VU removed by a decreasing target
	// may spend finishing its current iteration.
	GracefulRampDown time.Duration
	RateLimiter      *ratelimit.RateLimiter
	Progress         *progress.Progress
	Clock            core.Clock
	// Abort is polled periodically; returning true ends the run early.
	Abort func() bool
}

func (o *Options) applyDefaults() {
	if o.GracefulStop <= 0 {
		o.GracefulStop = DefaultGracefulStop
	}
	if o.GracefulRampDown <= 0 {
		o.GracefulRampDown = DefaultGracefulRampDown
	}
	if o.Clock == nil {
		o.Clock = core.RealClock{}
	}
}

// vu is the control handle of one virtual user goroutine.
type vu struct {
	id     int
	stop   chan struct{}
	cancel context.CancelFunc
	// slotted is true while the VU counts against the target. stopped is
	// set once it was told to stop and may be finishing its last iteration;
	// exited is set when its goroutine returns. All three are guarded by
	// Coordinator.mu.
	slotted bool
	stopped bool
	exited  bool
}

type Coordinator struct {
	nextID   atomic.Int64
	wg       sync.WaitGroup
	reporter core.Reporter
	data     core.SetupData

	live atomic.Int32
	peak atomic.Int32

	// mu guards the slotted VUs, the stopped VUs still draining and the
	// target they are held under. Slotted plus draining never exceeds
	// target when a VU is spawned.
	mu       sync.Mutex
	running  []*vu
	draining int
	target   int

	// fatal is closed by the first iteration that fails with a
	// configuration-class error; fatalErr holds that error.
	fatal     chan struct{}
	fatalOnce sync.Once
	fatalErr  error
}

func NewCoordinator(reporter core.Reporter) *Coordinator {
	return &Coordinator{
		reporter: reporter,
		fatal:    make(chan struct{}),
	}
}

// Err returns the configuration-class error that ended the run, if any.
func (c *Coordinator) Err() error {
	select {
	case <-c.fatal:
		return c.fatalErr
	default:
		return nil
	}
}

// fail records err and stops every VU. Further iterations would only
// repeat the same misconfiguration.
func (c *Coordinator) fail(id int, err error) {
	c.fatalOnce.Do(func() {
		logger.Error("fatal iteration error, stopping run", "vu", id, "err", err)
		c.fatalErr = err
		close(c.fatal)
		c.stopAll(0)
	})
}

// Setup runs the workflow's one-shot setup, if it has one, and keeps the
// payload every VU will receive. It is reported as a setup event. A failed
// setup must abort the run before any VU starts.
func (c *Coordinator) Setup(ctx context.Context, workflow core.Workflow) error {
	s, ok := workflow.(core.Setupper)
	if !ok {
		return nil
	}
	start := time.Now()
	data, err := s.Setup(ctx, c.reporter)
	ev := core.Event{
		Timestamp: time.Now(),
		Step:      "setup",
		Kind:      core.KindSetup,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.reporter.Report(ev)
	if err != nil {
		return err
	}
	c.data = data
	return nil
}

// SetupData returns the payload published by Setup.
func (c *Coordinator) SetupData() core.SetupData {
	return c.data
}

// Spawn starts count VUs that iterate until ctx is done.
func (c *Coordinator) Spawn(ctx context.Context, count int, workflow core.Workflow) {
	c.SpawnWithConfig(ctx, count, workflow, core.RunnerConfig{})
}

// SpawnWithConfig spawns VUs using Runner for iteration-level control.
func (c *Coordinator) SpawnWithConfig(ctx context.Context, count int, workflow core.Workflow, config core.RunnerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < count; i++ {
		c.spawnLocked(ctx, workflow, config)
	}
	c.target = len(c.running)
}

func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// ActiveVUs returns the number of VU goroutines alive, including VUs that
// were stopped and are finishing their last iteration.
func (c *Coordinator) ActiveVUs() int {
	return int(c.live.Load())
}

// PeakActive returns the largest number of VUs that were alive at once.
func (c *Coordinator) PeakActive() int {
	return int(c.peak.Load())
}

// Snapshot returns the number of VUs allowed to start iterations and the
// target they are held under. VUs still draining after a stop are not
// included.
func (c *Coordinator) Snapshot() (running, target int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running), c.target
}

// spawnLocked starts one VU. Callers hold c.mu.
func (c *Coordinator) spawnLocked(ctx context.Context, workflow core.Workflow, config core.RunnerConfig) {
	vctx, cancel := context.WithCancel(ctx)
	v := &vu{
		id:      int(c.nextID.Add(1)),
		stop:    make(chan struct{}),
		cancel:  cancel,
		slotted: true,
	}
	c.running = append(c.running, v)

	n := c.live.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	c.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			v.exited = true
			if v.stopped {
				c.draining--
			}
			c.mu.Unlock()
			c.live.Add(-1)
			c.wg.Done()
		}()
		runner := core.NewRunner(workflow, c.reporter, c.data, v.id, config)
		for {
			select {
			case <-vctx.Done():
				c.release(v)
				return
			case <-v.stop:
				return
			default:
			}
			err := c.iterate(vctx, runner, v.id)
			if errors.Is(err, core.ErrMaxIterationsReached) {
				// The slot stays taken so the VU is not replaced.
				return
			}
			if core.IsFatal(err) {
				c.fail(v.id, err)
				return
			}
		}
	}()
}

// iterate runs one iteration, turning a panic into a failed iteration.
// Iteration errors are reported by the runner and do not end the VU.
func (c *Coordinator) iterate(ctx context.Context, runner *core.Runner, id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.recoverPanic(id, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return runner.RunIteration(ctx)
}

// recoverPanic reports a panic in a VU goroutine as a failed iteration event.
func (c *Coordinator) recoverPanic(id int, r any) {
	c.reporter.Report(core.Event{
		VU:        id,
		Timestamp: time.Now(),
		Step:      "panic",
		Kind:      core.KindIteration,
		Success:   false,
		Error:     fmt.Sprintf("panic: %v", r),
	})
}

// release frees the slot of a VU that ended on its own.
func (c *Coordinator) release(v *vu) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !v.slotted {
		return
	}
	v.slotted = false
	for i, r := range c.running {
		if r == v {
			c.running = append(c.running[:i], c.running[i+1:]...)
			break
		}
	}
}

// stopLocked stops the n oldest VUs. Each may finish its current iteration
// within grace before its context is cancelled. Callers hold c.mu.
func (c *Coordinator) stopLocked(n int, grace time.Duration) {
	if n > len(c.running) {
		n = len(c.running)
	}
	for _, v := range c.running[:n] {
		v.slotted = false
		close(v.stop)
		if !v.exited {
			v.stopped = true
			c.draining++
		}
		time.AfterFunc(grace, v.cancel)
	}
	c.running = c.running[n:]
}

func (c *Coordinator) stopAll(grace time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = 0
	c.stopLocked(len(c.running), grace)
}

// adjust moves the slotted VUs to target. VUs draining after a ramp-down
// still hold their place, so new VUs are only spawned once they are gone.
func (c *Coordinator) adjust(ctx context.Context, target int, workflow core.Workflow, opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err() != nil {
		return
	}
	c.target = target
	switch current := len(c.running); {
	case current+c.draining < target:
		for i := current + c.draining; i < target; i++ {
			c.spawnLocked(ctx, workflow, opts.Runner)
		}
	case current > target:
		c.stopLocked(current-target, opts.GracefulRampDown)
	}
}

// Run follows the phases until they end, ctx is done, opts.Abort fires or
// an iteration fails with a configuration-class error, which Run returns.
// On return no VU starts another iteration; in-flight iterations get
// opts.GracefulStop to finish. Call Wait to block until they have.
func (c *Coordinator) Run(ctx context.Context, phases []config.Phase, workflow core.Workflow, opts Options) error {
	opts.applyDefaults()
	pm := ratelimit.NewPhaseManagerWithClock(phases, opts.Clock)

	printMsg := func(format string, args ...interface{}) {
		if opts.Progress != nil {
			opts.Progress.Printf(format, args...)
		} else {
			logger.Info(fmt.Sprintf(format, args...))
		}
	}

	printMsg("Starting schedule with %d stages, total duration: %v", len(phases), pm.Total())

	currentPhaseIdx := -1
	ticker := time.NewTicker(phaseTickInterval)
	defer ticker.Stop()
	lastAbortCheck := opts.Clock.Now()

	for {
		if pm.IsComplete() {
			c.stopAll(opts.GracefulStop)
			return nil
		}
		if newPhaseIdx := pm.CurrentPhaseIndex(); newPhaseIdx != currentPhaseIdx {
			currentPhaseIdx = newPhaseIdx
			if phase := pm.CurrentPhase(); phase != nil {
				direction := ""
				if pm.Stopping() {
					direction = ", ramping down"
				}
				if phase.RPS > 0 {
					printMsg("Stage: %s (duration: %v, target VUs: %d, rps: %d%s)",
						phase.Name, phase.Duration, pm.TargetVUs(), phase.RPS, direction)
				} else {
					printMsg("Stage: %s (duration: %v, target VUs: %d%s)",
						phase.Name, phase.Duration, pm.TargetVUs(), direction)
				}
			}
		}
		c.adjust(ctx, pm.TargetVUs(), workflow, opts)
		if opts.RateLimiter != nil {
			opts.RateLimiter.SetRate(pm.CurrentRPS())
		}
		if opts.Abort != nil && opts.Clock.Since(lastAbortCheck) >= abortCheckInterval {
			lastAbortCheck = opts.Clock.Now()
			if opts.Abort() {
				printMsg("Threshold crossed, aborting run")
				c.stopAll(opts.GracefulStop)
				return ErrAborted
			}
		}

		select {
		case <-ctx.Done():
			c.stopAll(0)
			return ctx.Err()
		case <-c.fatal:
			return c.fatalErr
		case <-ticker.C:
		}
	}
}
