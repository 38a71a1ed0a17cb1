// Package scenario holds the named business flows a run can drive, and
// adapts them to the workflow contract shared by the functional and load
// runners.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"stagehand/internal/actor"
	"stagehand/internal/agent"
	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/data"
	"stagehand/internal/flow"
	"stagehand/internal/logging"
	"stagehand/internal/ratelimit"
)

var logger = logging.GetLogger("scenario")

// Env is everything a flow needs besides its setup payload.
type Env struct {
	Cast   *actor.Cast
	Issuer string
	Holder string
	Poll   flow.Poll
	// PollOnly forces status polling for every wait.
	PollOnly bool
	// Data feeds per-iteration values; Claims names the source used for
	// credential claims.
	Data   data.Sources
	Claims string
	Steps  []config.StepConfig
}

// EnvFromConfig derives an Env from the scenario section.
func EnvFromConfig(cfg config.ScenarioConfig, cast *actor.Cast, sources data.Sources) Env {
	return Env{
		Cast:   cast,
		Issuer: cfg.Issuer,
		Holder: cfg.Holder,
		Poll:   flow.Poll{Interval: cfg.Poll.Interval, MaxAttempts: cfg.Poll.MaxAttempts},
		Data:   sources,
		Claims: cfg.Claims,
		Steps:  cfg.Steps,
	}
}

// Agent returns the platform client for the named role of the cast.
func (e Env) Agent(role string) (*agent.Agent, error) {
	a, err := e.Cast.Actor(role)
	if err != nil {
		return nil, err
	}
	return &agent.Agent{Actor: a, Poll: e.Poll, PollOnly: e.PollOnly}, nil
}

// Definition is one named flow. Setup is optional and runs once per run;
// its result is published to every iteration as read-only setup data.
// Roles names the cast members the flow drives.
type Definition struct {
	Name        string
	Description string
	Roles       func(env Env) []string
	Setup       func(ctx context.Context, env Env) (any, error)
	Iteration   func(env Env, data core.SetupData) (*flow.Driver, error)
}

// CheckRoles fails with a *core.ConfigurationError when the named flow
// drives a role the cast does not have.
func CheckRoles(name string, env Env) error {
	def, err := Lookup(name)
	if err != nil {
		return err
	}
	if def.Roles == nil {
		return nil
	}
	for _, role := range def.Roles(env) {
		if _, err := env.Cast.Actor(role); err != nil {
			return &core.ConfigurationError{Actor: role, Reason: fmt.Sprintf("flow %s needs a role the cast does not have", name), Err: err}
		}
	}
	return nil
}

var registry = map[string]Definition{}

// Register adds a flow. Registering a name twice panics.
func Register(def Definition) {
	if _, ok := registry[def.Name]; ok {
		panic(fmt.Sprintf("scenario: flow %q registered twice", def.Name))
	}
	registry[def.Name] = def
}

// Lookup returns the named flow or *core.NotFoundError.
func Lookup(name string) (Definition, error) {
	def, ok := registry[name]
	if !ok {
		return Definition{}, &core.NotFoundError{Kind: "flow", Name: name}
	}
	return def, nil
}

// Names lists the registered flows.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Workflow runs one flow as a core.Workflow. Every iteration drives its own
// fork of the cast, so concurrent iterations never share actor memory.
type Workflow struct {
	def        Definition
	env        Env
	limiter    *ratelimit.RateLimiter
	iterations atomic.Int64
}

// New returns a workflow for the named flow.
func New(name string, env Env) (*Workflow, error) {
	def, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if env.Cast == nil {
		return nil, &core.ConfigurationError{Reason: fmt.Sprintf("flow %s without a cast", name)}
	}
	return &Workflow{def: def, env: env}, nil
}

// WithLimiter makes every iteration wait on l before it starts.
func (w *Workflow) WithLimiter(l *ratelimit.RateLimiter) *Workflow {
	w.limiter = l
	return w
}

func (w *Workflow) Name() string { return w.def.Name }

// Iterations returns how many iterations were started.
func (w *Workflow) Iterations() int64 { return w.iterations.Load() }

// Setup runs the flow's one-shot setup against the original cast.
func (w *Workflow) Setup(ctx context.Context, rep core.Reporter) (core.SetupData, error) {
	if w.def.Setup == nil {
		return core.SetupData{}, nil
	}
	logger.Info("running setup", "flow", w.def.Name)
	payload, err := w.def.Setup(core.ContextWithReporter(ctx, rep), w.env)
	if err != nil {
		return core.SetupData{}, fmt.Errorf("setup of %s: %w", w.def.Name, err)
	}
	return core.NewSetupData(payload)
}

// Run executes one iteration.
func (w *Workflow) Run(ctx context.Context, vu int, data core.SetupData, rep core.Reporter) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	n := w.iterations.Add(1)

	env := w.env
	env.Cast = w.env.Cast.Fork(fmt.Sprintf("vu%d-%d", vu, n))
	driver, err := w.def.Iteration(env, data)
	if err != nil {
		return err
	}

	vars := core.NewVariables()
	w.env.Data.InjectVariables(vars)
	ctx = core.ContextWithReporter(core.ContextWithVU(ctx, vu), rep)
	return driver.Run(ctx, vars)
}

// get returns the value of type T stored under key.
func get[T any](vars core.Variables, key string) (T, error) {
	var zero T
	v, ok := vars.Get(key)
	if !ok {
		return zero, fmt.Errorf("scenario variable %q not set", key)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scenario variable %q is %T, not %T", key, v, zero)
	}
	return t, nil
}
