package actor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/core"
	apihttp "stagehand/internal/http"
	"stagehand/internal/webhook"
)

func TestWhoCan_DuplicateAbility(t *testing.T) {
	a := New("Issuer")
	require.NoError(t, a.WhoCan(CallAPIAt(&apihttp.Client{})))

	err := a.WhoCan(CallAPIAt(&apihttp.Client{}))
	var dup *core.DuplicateAbilityError
	require.True(t, errors.As(err, &dup), "expected DuplicateAbilityError, got %v", err)
	assert.Equal(t, "Issuer", dup.Actor)
	assert.Equal(t, string(KindCallAPI), dup.Kind)
}

func TestWhoCan_DuplicateInOneCallLeavesActorUnchanged(t *testing.T) {
	a := New("Holder")
	err := a.WhoCan(&ListenToEvents{}, &ListenToEvents{})

	var dup *core.DuplicateAbilityError
	assert.True(t, errors.As(err, &dup))
	_, ok := a.Events()
	assert.False(t, ok)
}

func TestRememberRecall(t *testing.T) {
	a := New("Holder")

	_, ok := a.Recall("connectionId")
	assert.False(t, ok, "recall of a missing key must report absence")

	a.Remember("connectionId", "c-1")
	v, ok := a.RecallString("connectionId")
	assert.True(t, ok)
	assert.Equal(t, "c-1", v)

	a.Remember("attempts", 3)
	_, ok = a.RecallString("attempts")
	assert.False(t, ok)

	a.Forget("connectionId")
	_, ok = a.Recall("connectionId")
	assert.False(t, ok)
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name    string
		memory  map[string]any
		want    Credential
		wantOK  bool
		wantErr string
	}{
		{
			name:   "api key",
			memory: map[string]any{KeyAPIKey: "k", KeyAuthHeader: "apikey"},
			want:   Credential{Header: "apikey", Value: "k"},
			wantOK: true,
		},
		{
			name:   "bearer token",
			memory: map[string]any{KeyBearerToken: "tok"},
			want:   Credential{Header: "Authorization", Value: "Bearer tok"},
			wantOK: true,
		},
		{
			name:   "explicitly unauthenticated",
			memory: map[string]any{KeyUnauthenticated: true},
		},
		{
			name:    "nothing",
			memory:  map[string]any{},
			wantErr: "no credential",
		},
		{
			name:    "both forms",
			memory:  map[string]any{KeyAPIKey: "k", KeyAuthHeader: "apikey", KeyBearerToken: "tok"},
			wantErr: "more than one",
		},
		{
			name:    "key without header",
			memory:  map[string]any{KeyAPIKey: "k"},
			wantErr: "auth header",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New("Holder")
			for k, v := range tt.memory {
				a.Remember(k, v)
			}
			cred, ok, err := a.Credential()
			if tt.wantErr != "" {
				var cfgErr *core.ConfigurationError
				require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
				assert.Equal(t, "Holder", cfgErr.Actor)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, cred)
		})
	}
}

func TestCall_SendsCredential(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bearer := New("Issuer")
	require.NoError(t, bearer.WhoCan(CallAPIAt(&apihttp.Client{Actor: "Issuer", BaseURL: srv.URL})))
	bearer.Remember(KeyBearerToken, "tok")
	_, err := bearer.Call(context.Background(), apihttp.Request{Name: "ping", Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Empty(t, gotKey)

	keyed := New("Holder")
	require.NoError(t, keyed.WhoCan(CallAPIAt(&apihttp.Client{Actor: "Holder", BaseURL: srv.URL})))
	keyed.Remember(KeyAPIKey, "holder-key")
	keyed.Remember(KeyAuthHeader, "apikey")
	_, err = keyed.Call(context.Background(), apihttp.Request{Name: "ping", Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "holder-key", gotKey)
	assert.Empty(t, gotAuth)
}

func TestCall_WithoutCredentialFails(t *testing.T) {
	a := New("Verifier")
	require.NoError(t, a.WhoCan(CallAPIAt(&apihttp.Client{BaseURL: "http://127.0.0.1:1"})))

	_, err := a.Call(context.Background(), apihttp.Request{Name: "ping", Method: http.MethodGet, Path: "/"})
	var cfgErr *core.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCall_WithoutAPIAbility(t *testing.T) {
	a := New("Verifier")
	a.Remember(KeyUnauthenticated, true)

	_, err := a.Call(context.Background(), apihttp.Request{Name: "ping", Method: http.MethodGet, Path: "/"})
	var cfgErr *core.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestAwaitEvent(t *testing.T) {
	corr := webhook.NewCorrelator(webhook.NewMemoryStore(time.Minute))
	a := New("Holder")
	require.NoError(t, a.WhoCan(&ListenToEvents{Correlator: corr, Timeout: time.Second}))

	_, err := corr.Deliver(context.Background(), "Holder", []byte(`{"data":{"thid":"th-1","state":"OfferReceived"}}`))
	require.NoError(t, err)

	ev, err := a.AwaitEvent(context.Background(), "th-1", webhook.StateIn("OfferReceived"))
	require.NoError(t, err)
	assert.Equal(t, "th-1", ev.CorrelationID)

	noListener := New("Issuer")
	_, err = noListener.AwaitEvent(context.Background(), "th-1", nil)
	var cfgErr *core.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestFork_IsolatesMemory(t *testing.T) {
	a := New("Holder")
	require.NoError(t, a.WhoCan(CallAPIAt(&apihttp.Client{})))
	a.Remember(KeyBearerToken, "tok")

	f := a.Fork("vu-3")
	f.Remember("connectionId", "c-9")

	assert.Equal(t, "Holder", f.Name())
	assert.Equal(t, "Holder#vu-3", f.String())
	token, ok := f.RecallString(KeyBearerToken)
	assert.True(t, ok)
	assert.Equal(t, "tok", token)
	_, ok = a.Recall("connectionId")
	assert.False(t, ok, "fork must not write into the original actor")

	orig, _ := a.API()
	forked, _ := f.API()
	assert.Same(t, orig, forked)
}
