package config

import (
	"fmt"
	"time"

	"stagehand/internal/core"
)

// Executors.
const (
	ExecutorConstantVUs = "constant-vus"
	ExecutorRampingVUs  = "ramping-vus"
)

// ScenarioConfig selects a flow and the load shape it is driven with.
type ScenarioConfig struct {
	Flow     string `yaml:"flow"`
	Executor string `yaml:"executor,omitempty"`

	// constant-vus
	VUs      int           `yaml:"vus,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`

	// ramping-vus
	StartVUs int     `yaml:"startVUs,omitempty"`
	Stages   []Stage `yaml:"stages,omitempty"`

	GracefulStop     time.Duration `yaml:"gracefulStop,omitempty"`
	GracefulRampDown time.Duration `yaml:"gracefulRampDown,omitempty"`

	MaxIterations int `yaml:"maxIterations,omitempty"`
	Warmup        int `yaml:"warmupIterations,omitempty"`

	Issuer string `yaml:"issuer,omitempty"`
	Holder string `yaml:"holder,omitempty"`
	// Claims names a Data entry providing credential claims per iteration.
	Claims string `yaml:"claims,omitempty"`

	Poll PollConfig `yaml:"poll,omitempty"`

	// Steps declares a custom request flow, used when Flow is "custom".
	Steps []StepConfig `yaml:"steps,omitempty"`
}

// Stage is one segment of a ramping-vus schedule.
type Stage struct {
	Duration time.Duration `yaml:"duration"`
	Target   int           `yaml:"target"`
	RPS      int           `yaml:"rps,omitempty"`
}

// PollConfig bounds state polling loops.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	MaxAttempts int           `yaml:"maxAttempts,omitempty"`
}

// StepConfig defines a single declared request step.
type StepConfig struct {
	Name    string            `yaml:"name"`
	Actor   string            `yaml:"actor"`
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Expect  []int             `yaml:"expect,omitempty"`
	Extract map[string]string `yaml:"extract,omitempty"` // JSONPath extraction rules
}

// Phase represents a single segment of the VU schedule. A phase with VUs
// set holds that count; otherwise the target moves linearly from StartVUs
// to EndVUs over Duration.
type Phase struct {
	Name     string
	Duration time.Duration
	VUs      int
	StartVUs int
	EndVUs   int
	RPS      int
}

// TotalDuration returns the sum of all phase durations.
func TotalDuration(phases []Phase) time.Duration {
	var total time.Duration
	for _, p := range phases {
		total += p.Duration
	}
	return total
}

func (s *ScenarioConfig) applyDefaults() {
	if s.Executor == "" {
		if len(s.Stages) > 0 {
			s.Executor = ExecutorRampingVUs
		} else {
			s.Executor = ExecutorConstantVUs
		}
	}
	if s.Issuer == "" {
		s.Issuer = "Issuer"
	}
	if s.Holder == "" {
		s.Holder = "Holder"
	}
	if s.Poll.Interval == 0 {
		s.Poll.Interval = 500 * time.Millisecond
	}
	if s.Poll.MaxAttempts == 0 {
		s.Poll.MaxAttempts = 60
	}
	if s.GracefulStop == 0 {
		s.GracefulStop = 30 * time.Second
	}
	if s.GracefulRampDown == 0 {
		s.GracefulRampDown = 30 * time.Second
	}
}

// Validate checks the load shape. A scenario with neither VUs nor stages is
// valid and runs in functional mode only.
func (s *ScenarioConfig) Validate() error {
	if s.Flow == "" {
		return &core.ConfigurationError{Reason: "scenario without a flow"}
	}
	if s.MaxIterations < 0 || s.Warmup < 0 {
		return &core.ConfigurationError{Reason: "iteration limits must not be negative"}
	}
	switch s.Executor {
	case ExecutorConstantVUs:
		if s.VUs < 0 {
			return &core.ConfigurationError{Reason: "vus must not be negative"}
		}
		if s.VUs > 0 && s.Duration <= 0 && s.MaxIterations == 0 {
			return &core.ConfigurationError{Reason: "constant-vus needs a duration or maxIterations"}
		}
	case ExecutorRampingVUs:
		if len(s.Stages) == 0 {
			return &core.ConfigurationError{Reason: "ramping-vus needs at least one stage"}
		}
		if s.StartVUs < 0 {
			return &core.ConfigurationError{Reason: "startVUs must not be negative"}
		}
		for i, st := range s.Stages {
			if st.Duration <= 0 {
				return &core.ConfigurationError{Reason: fmt.Sprintf("stage %d has no duration", i)}
			}
			if st.Target < 0 {
				return &core.ConfigurationError{Reason: fmt.Sprintf("stage %d has a negative target", i)}
			}
		}
	default:
		return &core.ConfigurationError{Reason: fmt.Sprintf("unknown executor %q", s.Executor)}
	}
	if s.Flow == "custom" && len(s.Steps) == 0 {
		return &core.ConfigurationError{Reason: "custom flow without steps"}
	}
	return nil
}

// validateActors checks that every declared step is performed by a role.
func (s *ScenarioConfig) validateActors(roles map[string]bool) error {
	for i, st := range s.Steps {
		if !roles[st.Actor] {
			return &core.ConfigurationError{Actor: st.Actor,
				Reason: fmt.Sprintf("step %d (%s) names no configured role", i, st.Name)}
		}
	}
	return nil
}

// IsLoad reports whether the scenario describes a load run.
func (s *ScenarioConfig) IsLoad() bool {
	if s.Executor == ExecutorRampingVUs {
		return len(s.Stages) > 0
	}
	return s.VUs > 0
}

// Phases converts the executor settings into the schedule the coordinator
// follows. Each ramping stage interpolates from the previous target.
func (s *ScenarioConfig) Phases() []Phase {
	if s.Executor == ExecutorConstantVUs {
		if s.VUs == 0 || s.Duration == 0 {
			return nil
		}
		return []Phase{{Name: "constant", Duration: s.Duration, VUs: s.VUs}}
	}
	phases := make([]Phase, 0, len(s.Stages))
	from := s.StartVUs
	for i, st := range s.Stages {
		phases = append(phases, Phase{
			Name:     fmt.Sprintf("stage-%d", i+1),
			Duration: st.Duration,
			StartVUs: from,
			EndVUs:   st.Target,
			RPS:      st.RPS,
		})
		from = st.Target
	}
	return phases
}

// PeakVUs returns the largest VU count the schedule ever targets.
func (s *ScenarioConfig) PeakVUs() int {
	peak := 0
	for _, p := range s.Phases() {
		for _, n := range []int{p.VUs, p.StartVUs, p.EndVUs} {
			if n > peak {
				peak = n
			}
		}
	}
	return peak
}
