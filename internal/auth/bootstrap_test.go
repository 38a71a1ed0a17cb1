package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/actor"
	"stagehand/internal/config"
	"stagehand/internal/core"
)

// tokenServer is a password-grant endpoint accepting username == password
// unless the user is listed in reject.
type tokenServer struct {
	mu       sync.Mutex
	requests []string
	reject   map[string]bool
	omit     bool
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	user := r.PostForm.Get("username")
	s.mu.Lock()
	s.requests = append(s.requests, user)
	s.mu.Unlock()

	if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("client_id") != "cloud-agent" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.reject[user] || r.PostForm.Get("password") != user {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if s.omit {
		w.Write([]byte(`{"token_type":"Bearer"}`))
		return
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, _ := tok.SignedString([]byte("secret"))
	json.NewEncoder(w).Encode(map[string]any{"access_token": signed, "token_type": "Bearer", "expires_in": 3600})
}

func newCast(t *testing.T, names ...string) *actor.Cast {
	t.Helper()
	var actors []*actor.Actor
	for _, n := range names {
		actors = append(actors, actor.New(n))
	}
	cast, err := actor.NewCast(actors...)
	require.NoError(t, err)
	return cast
}

var testRoles = []config.Role{
	{Name: config.AdminRole, URL: "http://agent", APIKey: "admin", AuthHeader: "x-admin-api-key"},
	{Name: "Issuer", URL: "http://agent"},
	{Name: "Holder", URL: "http://agent", APIKey: "holder-key", AuthHeader: "apikey"},
	{Name: "Verifier", URL: "http://agent"},
	{Name: "Anonymous", URL: "http://agent", Unauthenticated: true},
}

func TestBootstrap_EveryActorHasExactlyOneCredential(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	cast := newCast(t, "Admin", "Issuer", "Holder", "Verifier", "Anonymous")
	tokens := NewPasswordGrant(config.AuthConfig{TokenURL: srv.URL, ClientID: "cloud-agent"}, srv.Client())
	b := NewBootstrapper(testRoles, tokens, ActorNameCredentials)

	require.NoError(t, b.Bootstrap(context.Background(), cast))

	for _, name := range []string{"Issuer", "Verifier"} {
		a, _ := cast.Actor(name)
		cred, ok, err := a.Credential()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "Authorization", cred.Header)
		_, hasKey := a.Recall(actor.KeyAPIKey)
		assert.False(t, hasKey, "%s must not hold an api key", name)

		token, _ := a.RecallString(actor.KeyBearerToken)
		info, err := Inspect(token)
		require.NoError(t, err)
		assert.Equal(t, name, info.Subject)
	}

	holder, _ := cast.Actor("Holder")
	cred, ok, err := holder.Credential()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, actor.Credential{Header: "apikey", Value: "holder-key"}, cred)
	_, hasToken := holder.Recall(actor.KeyBearerToken)
	assert.False(t, hasToken)

	anon, _ := cast.Actor("Anonymous")
	_, ok, err = anon.Credential()
	require.NoError(t, err)
	assert.False(t, ok)

	admin, _ := cast.Actor("Admin")
	_, ok = admin.Recall(actor.KeyBearerToken)
	assert.False(t, ok, "the privileged role is not bootstrapped")

	assert.ElementsMatch(t, []string{"Issuer", "Verifier"}, ts.requests)
}

func TestBootstrap_TokenRejectedNamesActor(t *testing.T) {
	srv := httptest.NewServer(&tokenServer{reject: map[string]bool{"Verifier": true}})
	defer srv.Close()

	cast := newCast(t, "Admin", "Issuer", "Holder", "Verifier", "Anonymous")
	tokens := NewPasswordGrant(config.AuthConfig{TokenURL: srv.URL, ClientID: "cloud-agent"}, nil)

	err := NewBootstrapper(testRoles, tokens, nil).Bootstrap(context.Background(), cast)

	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
	assert.Equal(t, "Verifier", cfgErr.Actor)
	assert.True(t, core.IsFatal(err))
}

func TestBootstrap_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(&tokenServer{omit: true})
	defer srv.Close()

	roles := []config.Role{{Name: config.AdminRole, URL: "x"}, {Name: "Issuer", URL: "x"}}
	cast := newCast(t, "Admin", "Issuer")
	tokens := NewPasswordGrant(config.AuthConfig{TokenURL: srv.URL, ClientID: "cloud-agent"}, nil)

	err := NewBootstrapper(roles, tokens, nil).Bootstrap(context.Background(), cast)
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
	assert.Equal(t, "Issuer", cfgErr.Actor)
}

func TestBootstrap_EndpointUnreachable(t *testing.T) {
	roles := []config.Role{{Name: config.AdminRole, URL: "x"}, {Name: "Issuer", URL: "x"}}
	cast := newCast(t, "Admin", "Issuer")
	tokens := NewPasswordGrant(config.AuthConfig{TokenURL: "http://127.0.0.1:1/token", ClientID: "cloud-agent"}, nil)

	err := NewBootstrapper(roles, tokens, nil).Bootstrap(context.Background(), cast)
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "Issuer", cfgErr.Actor)
}

func TestBootstrap_NoTokenSource(t *testing.T) {
	roles := []config.Role{{Name: config.AdminRole, URL: "x"}, {Name: "Issuer", URL: "x"}}
	cast := newCast(t, "Admin", "Issuer")

	err := NewBootstrapper(roles, nil, nil).Bootstrap(context.Background(), cast)
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "Issuer", cfgErr.Actor)
}

func TestBootstrap_UnknownActor(t *testing.T) {
	roles := []config.Role{{Name: "Issuer", URL: "x", APIKey: "k", AuthHeader: "apikey"}}
	cast := newCast(t, "Admin")

	err := NewBootstrapper(roles, nil, nil).Bootstrap(context.Background(), cast)
	var nf *core.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

// countingTokens records every token request.
type countingTokens struct {
	mu    sync.Mutex
	users []string
}

func (c *countingTokens) Token(ctx context.Context, username, password string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, username)
	return "token-" + username, nil
}

func TestBootstrap_UnknownActorStartsNoTokenFetch(t *testing.T) {
	roles := []config.Role{
		{Name: "Issuer", URL: "x"},
		{Name: "Ghost", URL: "x"},
	}
	cast := newCast(t, "Admin", "Issuer")
	tokens := &countingTokens{}

	err := NewBootstrapper(roles, tokens, nil).Bootstrap(context.Background(), cast)
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Ghost", nf.Name)

	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	assert.Empty(t, tokens.users)
	issuer, err := cast.Actor("Issuer")
	require.NoError(t, err)
	_, ok := issuer.RecallString(actor.KeyBearerToken)
	assert.False(t, ok)
}

func TestBootstrap_StaticCredentials(t *testing.T) {
	srv := httptest.NewServer(&tokenServer{})
	defer srv.Close()

	roles := []config.Role{{Name: config.AdminRole, URL: "x"}, {Name: "Issuer", URL: "x"}}
	cast := newCast(t, "Admin", "Issuer")
	authCfg := config.AuthConfig{
		TokenURL:    srv.URL,
		ClientID:    "cloud-agent",
		Credentials: config.CredentialsStatic,
		Users:       map[string]config.UserCredentials{"Issuer": {Username: "alice", Password: "alice"}},
	}
	strategy, err := StrategyFor(authCfg)
	require.NoError(t, err)

	require.NoError(t, NewBootstrapper(roles, NewPasswordGrant(authCfg, nil), strategy).Bootstrap(context.Background(), cast))

	issuer, _ := cast.Actor("Issuer")
	token, _ := issuer.RecallString(actor.KeyBearerToken)
	info, err := Inspect(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), info.ExpiresAt, time.Minute)
}

func TestStaticCredentials_MissingUser(t *testing.T) {
	_, _, err := StaticCredentials(nil)("Issuer")
	assert.Error(t, err)
}

func TestStrategyFor_Unknown(t *testing.T) {
	_, err := StrategyFor(config.AuthConfig{Credentials: "ldap"})
	assert.Error(t, err)
}

func TestInspect_OpaqueToken(t *testing.T) {
	_, err := Inspect("not-a-jwt")
	assert.Error(t, err)
}
