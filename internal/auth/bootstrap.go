package auth

import (
	"context"

	"golang.org/x/sync/errgroup"

	"stagehand/internal/actor"
	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/logging"
)

// Bootstrapper stores a credential into the memory of every actor outside
// the privileged role.
type Bootstrapper struct {
	Roles    []config.Role
	Tokens   TokenSource
	Strategy CredentialStrategy

	logger *logging.Logger
}

// NewBootstrapper creates a bootstrapper. tokens may be nil when every role
// carries a static API key or is unauthenticated.
func NewBootstrapper(roles []config.Role, tokens TokenSource, strategy CredentialStrategy) *Bootstrapper {
	if strategy == nil {
		strategy = ActorNameCredentials
	}
	return &Bootstrapper{
		Roles:    roles,
		Tokens:   tokens,
		Strategy: strategy,
		logger:   logging.GetLogger("auth"),
	}
}

// Bootstrap authenticates every non-privileged actor of cast. Token requests
// run concurrently; the first failure cancels the rest and is returned as a
// *core.ConfigurationError naming the actor. On success every such actor
// holds exactly one credential form.
func (b *Bootstrapper) Bootstrap(ctx context.Context, cast *actor.Cast) error {
	// Every actor is resolved before any token request starts, so a
	// misconfiguration leaves no fetch running behind the returned error.
	var pending []*actor.Actor
	for _, role := range b.Roles {
		if role.Name == config.AdminRole {
			continue
		}
		a, err := cast.Actor(role.Name)
		if err != nil {
			return err
		}

		switch {
		case role.APIKey != "":
			a.Remember(actor.KeyAPIKey, role.APIKey)
			a.Remember(actor.KeyAuthHeader, role.AuthHeader)
			b.logger.Debug("using static api key", "actor", role.Name, "header", role.AuthHeader)
		case role.Unauthenticated:
			a.Remember(actor.KeyUnauthenticated, true)
			b.logger.Debug("actor configured without credentials", "actor", role.Name)
		default:
			if b.Tokens == nil {
				return &core.ConfigurationError{Actor: role.Name, Reason: "no api key and no auth endpoint configured"}
			}
			pending = append(pending, a)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range pending {
		g.Go(func() error {
			return b.fetchToken(gctx, a)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, role := range b.Roles {
		if role.Name == config.AdminRole {
			continue
		}
		a, err := cast.Actor(role.Name)
		if err != nil {
			return err
		}
		if _, _, err := a.Credential(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bootstrapper) fetchToken(ctx context.Context, a *actor.Actor) error {
	username, password, err := b.Strategy(a.Name())
	if err != nil {
		return &core.ConfigurationError{Actor: a.Name(), Reason: "deriving credentials", Err: err}
	}
	token, err := b.Tokens.Token(ctx, username, password)
	if err != nil {
		return &core.ConfigurationError{Actor: a.Name(), Reason: "obtaining bearer token", Err: err}
	}
	a.Remember(actor.KeyBearerToken, token)

	if info, err := Inspect(token); err == nil {
		b.logger.Info("bearer token obtained", "actor", a.Name(), "sub", info.Subject, "exp", info.ExpiresAt)
	} else {
		b.logger.Info("bearer token obtained", "actor", a.Name())
	}
	return nil
}
