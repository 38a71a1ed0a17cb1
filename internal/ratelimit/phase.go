package ratelimit

import (
	"math"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/core"
)

// PhaseManager tracks where the run is in its VU schedule.
type PhaseManager struct {
	phases    []config.Phase
	startTime time.Time
	clock     core.Clock
}

// NewPhaseManager creates a PhaseManager with a real clock.
func NewPhaseManager(phases []config.Phase) *PhaseManager {
	return NewPhaseManagerWithClock(phases, core.RealClock{})
}

// NewPhaseManagerWithClock creates a PhaseManager with a custom clock (for testing).
func NewPhaseManagerWithClock(phases []config.Phase, clock core.Clock) *PhaseManager {
	return &PhaseManager{
		phases:    phases,
		startTime: clock.Now(),
		clock:     clock,
	}
}

func (pm *PhaseManager) Elapsed() time.Duration {
	return pm.clock.Since(pm.startTime)
}

// Total is the length of the whole schedule.
func (pm *PhaseManager) Total() time.Duration {
	return config.TotalDuration(pm.phases)
}

func (pm *PhaseManager) CurrentPhaseIndex() int {
	idx, _ := pm.locate(pm.Elapsed())
	return idx
}

// locate returns the phase index at elapsed and the time already spent in it.
func (pm *PhaseManager) locate(elapsed time.Duration) (int, time.Duration) {
	var start time.Duration
	for i, p := range pm.phases {
		if elapsed < start+p.Duration {
			return i, elapsed - start
		}
		start += p.Duration
	}
	return len(pm.phases), 0
}

func (pm *PhaseManager) CurrentPhase() *config.Phase {
	idx := pm.CurrentPhaseIndex()
	if idx >= len(pm.phases) {
		return nil
	}
	return &pm.phases[idx]
}

func (pm *PhaseManager) IsComplete() bool {
	return pm.CurrentPhaseIndex() >= len(pm.phases)
}

// TargetVUs returns the VU count the schedule allows right now. Ramps are
// rounded down so the live count never exceeds the interpolated target.
func (pm *PhaseManager) TargetVUs() int {
	return pm.TargetAt(pm.Elapsed())
}

// TargetAt returns the VU target at a given offset into the schedule.
func (pm *PhaseManager) TargetAt(elapsed time.Duration) int {
	idx, into := pm.locate(elapsed)
	if idx >= len(pm.phases) {
		return 0
	}
	phase := pm.phases[idx]
	if phase.VUs > 0 {
		return phase.VUs
	}
	if phase.StartVUs == phase.EndVUs {
		return phase.StartVUs
	}
	progress := float64(into) / float64(phase.Duration)
	if progress > 1 {
		progress = 1
	}
	delta := float64(phase.EndVUs - phase.StartVUs)
	return int(math.Floor(float64(phase.StartVUs) + delta*progress))
}

// Stopping reports whether the schedule is ramping down at this instant.
func (pm *PhaseManager) Stopping() bool {
	phase := pm.CurrentPhase()
	return phase != nil && phase.VUs == 0 && phase.EndVUs < phase.StartVUs
}

// CurrentRPS returns the request-rate cap of the current phase, 0 for none.
func (pm *PhaseManager) CurrentRPS() int {
	phase := pm.CurrentPhase()
	if phase == nil {
		return 0
	}
	return phase.RPS
}
