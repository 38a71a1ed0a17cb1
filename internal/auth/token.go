// Package auth bootstraps the credentials every actor calls the platform
// with.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"stagehand/internal/config"
)

// TokenSource obtains a bearer token for a user.
type TokenSource interface {
	Token(ctx context.Context, username, password string) (string, error)
}

// PasswordGrant obtains tokens with the OAuth2 resource owner password
// grant against a token endpoint.
type PasswordGrant struct {
	config *oauth2.Config
	http   *http.Client
}

// NewPasswordGrant creates a TokenSource for the configured endpoint.
// httpClient may be nil.
func NewPasswordGrant(cfg config.AuthConfig, httpClient *http.Client) *PasswordGrant {
	return &PasswordGrant{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http: httpClient,
	}
}

func (p *PasswordGrant) Token(ctx context.Context, username, password string) (string, error) {
	if p.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	}
	tok, err := p.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return "", fmt.Errorf("token endpoint returned %d: %s", re.Response.StatusCode, string(re.Body))
		}
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response without access_token")
	}
	return tok.AccessToken, nil
}

// CredentialStrategy derives the username and password used for an actor.
type CredentialStrategy func(actor string) (username, password string, err error)

// ActorNameCredentials uses the actor name as both username and password.
func ActorNameCredentials(actor string) (string, string, error) {
	return actor, actor, nil
}

// StaticCredentials looks credentials up by actor name.
func StaticCredentials(users map[string]config.UserCredentials) CredentialStrategy {
	return func(actor string) (string, string, error) {
		u, ok := users[actor]
		if !ok {
			return "", "", fmt.Errorf("no static credentials for %s", actor)
		}
		return u.Username, u.Password, nil
	}
}

// StrategyFor returns the strategy selected by cfg.
func StrategyFor(cfg config.AuthConfig) (CredentialStrategy, error) {
	switch cfg.Credentials {
	case "", config.CredentialsActorName:
		return ActorNameCredentials, nil
	case config.CredentialsStatic:
		return StaticCredentials(cfg.Users), nil
	default:
		return nil, fmt.Errorf("unknown credentials strategy %q", cfg.Credentials)
	}
}

// TokenInfo is what the harness can read from a JWT access token without
// verifying it.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// Inspect decodes the claims of a JWT access token. Opaque tokens return
// an error.
func Inspect(token string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, err
	}
	var info TokenInfo
	info.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}
