// Package stage owns the lifecycle of one run: the external collaborators,
// the cast, its credentials, wallets and webhook listeners.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"stagehand/internal/actor"
	"stagehand/internal/agent"
	"stagehand/internal/auth"
	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/flow"
	apihttp "stagehand/internal/http"
	"stagehand/internal/lifecycle"
	"stagehand/internal/logging"
	"stagehand/internal/scenario"
	"stagehand/internal/webhook"
)

var logger = logging.GetLogger("stage")

// storePollInterval is how often waiters re-read a shared event store.
const storePollInterval = 200 * time.Millisecond

// Options overrides the collaborators Open would otherwise derive from the
// configuration.
type Options struct {
	HTTP   *http.Client
	Debug  *apihttp.DebugLogger
	Tokens auth.TokenSource
	Store  webhook.Store
	// HookOutput receives the output of long-running lifecycle processes.
	HookOutput io.Writer
}

// Stage is an opened run. It is passed explicitly to whatever drives the
// flows; there is no process-wide current stage.
type Stage struct {
	Config     *config.Config
	Cast       *actor.Cast
	Correlator *webhook.Correlator

	opts  Options
	http  *http.Client
	hooks *lifecycle.Manager

	closeOnce sync.Once
	closeErr  error
}

// Build creates the cast and the lifecycle hooks without any I/O. Every
// actor can call its API; credentials and listeners are added by Open.
func Build(cfg *config.Config, opts Options) (*Stage, error) {
	if _, err := scenario.Lookup(cfg.Scenario.Flow); err != nil {
		return nil, err
	}

	client := opts.HTTP
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTP.Timeout}
	}

	actors := make([]*actor.Actor, 0, len(cfg.Roles))
	for _, role := range cfg.Roles {
		a := actor.New(role.Name)
		api := actor.CallAPIAt(&apihttp.Client{
			Actor:   role.Name,
			BaseURL: role.URL,
			HTTP:    client,
			Debug:   opts.Debug,
		})
		if err := a.WhoCan(api); err != nil {
			return nil, err
		}
		if role.Name == config.AdminRole && role.APIKey != "" {
			a.Remember(actor.KeyAPIKey, role.APIKey)
			a.Remember(actor.KeyAuthHeader, role.AuthHeader)
		}
		actors = append(actors, a)
	}
	cast, err := actor.NewCast(actors...)
	if err != nil {
		return nil, err
	}
	if err := scenario.CheckRoles(cfg.Scenario.Flow, scenario.EnvFromConfig(cfg.Scenario, cast, nil)); err != nil {
		return nil, err
	}

	hooks := lifecycle.NewManager()
	for _, h := range append(append([]config.HookConfig{}, cfg.Services...), cfg.Agents...) {
		hook := lifecycle.FromConfig(h)
		hook.Output = opts.HookOutput
		hooks.Add(hook)
	}

	return &Stage{
		Config: cfg,
		Cast:   cast,
		opts:   opts,
		http:   client,
		hooks:  hooks,
	}, nil
}

// Open builds the stage and brings it up: services, agents, credentials,
// wallets, listeners and webhook registrations, in that order. Whatever was
// brought up before a failure is torn down again.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Stage, error) {
	s, err := Build(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := s.open(ctx); err != nil {
		return nil, errors.Join(err, s.Close(context.WithoutCancel(ctx)))
	}
	return s, nil
}

func (s *Stage) open(ctx context.Context) error {
	if err := s.hooks.StartAll(ctx); err != nil {
		return err
	}
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	if err := s.createWallets(ctx); err != nil {
		return err
	}
	if err := s.listen(ctx); err != nil {
		return err
	}
	return s.registerWebhooks(ctx)
}

func (s *Stage) bootstrap(ctx context.Context) error {
	var (
		tokens   = s.opts.Tokens
		strategy auth.CredentialStrategy
	)
	if a := s.Config.Auth; a != nil {
		var err error
		if strategy, err = auth.StrategyFor(*a); err != nil {
			return &core.ConfigurationError{Reason: "auth", Err: err}
		}
		if tokens == nil {
			tokens = auth.NewPasswordGrant(*a, s.http)
		}
	}
	return auth.NewBootstrapper(s.Config.Roles, tokens, strategy).Bootstrap(ctx, s.Cast)
}

// Agent returns a platform client for the named actor.
func (s *Stage) Agent(name string) (*agent.Agent, error) {
	a, err := s.Cast.Actor(name)
	if err != nil {
		return nil, err
	}
	poll := s.Config.Scenario.Poll
	return agent.New(a, flow.Poll{Interval: poll.Interval, MaxAttempts: poll.MaxAttempts}), nil
}

func (s *Stage) createWallets(ctx context.Context) error {
	for _, role := range s.Config.Roles {
		if !role.CreateWallet {
			continue
		}
		g, err := s.Agent(role.Name)
		if err != nil {
			return err
		}
		id, err := g.CreateWallet(ctx)
		if err != nil {
			return &core.ConfigurationError{Actor: role.Name, Reason: "creating wallet", Err: err}
		}
		logger.Info("wallet created", "actor", role.Name, "wallet", id)
	}
	return nil
}

func (s *Stage) newStore(ctx context.Context) (webhook.Store, []webhook.Option, error) {
	wh := s.Config.Webhooks
	opts := []webhook.Option{webhook.WithCorrelationPaths(wh.CorrelationPaths...)}
	switch {
	case s.opts.Store != nil:
		return s.opts.Store, opts, nil
	case wh.RedisAddr != "":
		store, err := webhook.NewRedisStore(ctx, wh.RedisAddr, wh.Retention)
		if err != nil {
			return nil, nil, &core.ConfigurationError{Reason: "webhook event store", Err: err}
		}
		return store, append(opts, webhook.WithStorePolling(storePollInterval)), nil
	default:
		return webhook.NewMemoryStore(wh.Retention), opts, nil
	}
}

// listen gives every role with a webhook descriptor its listener and binds
// the ports.
func (s *Stage) listen(ctx context.Context) error {
	var listening []config.Role
	for _, role := range s.Config.Roles {
		if role.Webhook != nil {
			listening = append(listening, role)
		}
	}
	if len(listening) == 0 {
		return nil
	}

	store, opts, err := s.newStore(ctx)
	if err != nil {
		return err
	}
	s.Correlator = webhook.NewCorrelator(store, opts...)

	for _, role := range listening {
		path, err := webhookPath(role.Webhook.URL)
		if err != nil {
			return &core.ConfigurationError{Actor: role.Name, Reason: "webhook url", Err: err}
		}
		a, err := s.Cast.Actor(role.Name)
		if err != nil {
			return err
		}
		err = a.WhoCan(&actor.ListenToEvents{
			URL:          role.Webhook.URL,
			InitRequired: role.Webhook.InitRequired,
			Timeout:      s.Config.Webhooks.WaitTimeout,
			Listener:     webhook.NewListener(role.Name, role.Webhook.InternalPort, path, s.Correlator),
			Correlator:   s.Correlator,
		})
		if err != nil {
			return err
		}
	}
	return s.Cast.Listen(ctx)
}

func webhookPath(raw string) (string, error) {
	if raw == "" {
		return webhook.DefaultPath, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		return webhook.DefaultPath, nil
	}
	return u.Path, nil
}

func (s *Stage) registerWebhooks(ctx context.Context) error {
	for _, a := range s.Cast.Actors() {
		ev, ok := a.Events()
		if !ok || !ev.InitRequired {
			continue
		}
		g, err := s.Agent(a.Name())
		if err != nil {
			return err
		}
		if err := g.RegisterWebhook(ctx, ev.URL); err != nil {
			return &core.ConfigurationError{Actor: a.Name(), Reason: "registering webhook", Err: err}
		}
		logger.Info("webhook registered", "actor", a.Name(), "url", ev.URL)
	}
	return nil
}

// Close releases the listeners, the event store and the lifecycle hooks.
// Only the first call has effect.
func (s *Stage) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.Cast.Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.Correlator != nil {
			if err := s.Correlator.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing event store: %w", err))
			}
		}
		if err := s.hooks.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
