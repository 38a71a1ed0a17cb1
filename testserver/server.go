// Package testserver provides an in-process mock of the multi-tenant agent
// API, including a password-grant token endpoint and webhook delivery.
package testserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Options tunes the mock.
type Options struct {
	// Latency delays every asynchronous state transition.
	Latency time.Duration
	// Secret signs issued access tokens.
	Secret []byte
	// Users maps username to password for the token endpoint. When nil,
	// any user whose password equals the username is accepted.
	Users map[string]string
	// DuplicateWebhooks delivers every webhook event twice.
	DuplicateWebhooks bool
}

// Server is a mock agent.
type Server struct {
	mux  *http.ServeMux
	opts Options

	mu      sync.Mutex
	tenants map[string]*tenant
	// invitations maps an invitation id to the inviter's connection.
	invitations map[string]*connection

	client    *http.Client
	pending   sync.WaitGroup
	timers    map[*time.Timer]struct{}
	closed    atomic.Bool
	requestID atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewServer creates a mock with all endpoints configured.
func NewServer(opts Options) *Server {
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("stagehand-mock-secret")
	}
	s := &Server{
		mux:         http.NewServeMux(),
		opts:        opts,
		tenants:     make(map[string]*tenant),
		invitations: make(map[string]*connection),
		timers:      make(map[*time.Timer]struct{}),
		client:      &http.Client{Timeout: 5 * time.Second},
	}
	s.registerHandlers()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close cancels transitions that have not fired yet and waits for the ones
// already running.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed.Store(true)
	for t := range s.timers {
		if t.Stop() {
			s.pending.Done()
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()
	s.pending.Wait()
}

// Requests returns the number of authenticated API calls served.
func (s *Server) Requests() int64 { return s.requestID.Load() }

// WebhooksDelivered returns the number of successful webhook deliveries.
func (s *Server) WebhooksDelivered() int64 { return s.delivered.Load() }

// WebhooksFailed returns the number of failed webhook deliveries.
func (s *Server) WebhooksFailed() int64 { return s.failed.Load() }

func (s *Server) registerHandlers() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /token", s.handleToken)

	s.mux.HandleFunc("POST /wallets", s.authed(s.handleCreateWallet))
	s.mux.HandleFunc("POST /events/webhooks", s.authed(s.handleRegisterWebhook))

	s.mux.HandleFunc("POST /did-registrar/dids", s.authed(s.handleCreateDID))
	s.mux.HandleFunc("GET /did-registrar/dids/{did}", s.authed(s.handleGetDID))
	s.mux.HandleFunc("POST /did-registrar/dids/{did}/publications", s.authed(s.handlePublishDID))

	s.mux.HandleFunc("POST /schema-registry/schemas", s.authed(s.handleCreateSchema))

	s.mux.HandleFunc("POST /connections", s.authed(s.handleCreateConnection))
	s.mux.HandleFunc("GET /connections/{id}", s.authed(s.handleGetConnection))
	s.mux.HandleFunc("POST /connection-invitations", s.authed(s.handleAcceptInvitation))

	s.mux.HandleFunc("POST /issue-credentials/credential-offers", s.authed(s.handleCreateOffer))
	s.mux.HandleFunc("GET /issue-credentials/records", s.authed(s.handleListRecords))
	s.mux.HandleFunc("GET /issue-credentials/records/{id}", s.authed(s.handleGetRecord))
	s.mux.HandleFunc("POST /issue-credentials/records/{id}/accept-offer", s.authed(s.handleAcceptOffer))
	s.mux.HandleFunc("POST /issue-credentials/records/{id}/issue-credential", s.authed(s.handleIssueCredential))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleToken implements the resource owner password grant.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	if r.PostForm.Get("grant_type") != "password" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	user, pass := r.PostForm.Get("username"), r.PostForm.Get("password")
	if !s.validUser(user, pass) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant"})
		return
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
		"azp": r.PostForm.Get("client_id"),
	})
	signed, err := tok.SignedString(s.opts.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signing token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) validUser(user, pass string) bool {
	if user == "" {
		return false
	}
	if s.opts.Users == nil {
		return user == pass
	}
	want, ok := s.opts.Users[user]
	return ok && want == pass
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, t *tenant)

// authed resolves the calling tenant from a bearer token or an apikey
// header. Unauthenticated calls get 401.
func (s *Server) authed(h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := s.tenantName(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.requestID.Add(1)
		s.mu.Lock()
		t := s.tenant(name)
		s.mu.Unlock()
		h(w, r, t)
	}
}

func (s *Server) tenantName(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", errors.New("unsupported authorization scheme")
		}
		tok, err := jwt.Parse(h[7:], func(t *jwt.Token) (interface{}, error) { return s.opts.Secret, nil })
		if err != nil || !tok.Valid {
			return "", errors.New("invalid token")
		}
		sub, err := tok.Claims.GetSubject()
		if err != nil || sub == "" {
			return "", errors.New("token without subject")
		}
		return "user:" + sub, nil
	}
	if key := r.Header.Get("apikey"); key != "" {
		return "key:" + key, nil
	}
	return "", errors.New("missing credentials")
}

// tenant returns the tenant with name, creating it. Callers hold s.mu.
func (s *Server) tenant(name string) *tenant {
	t, ok := s.tenants[name]
	if !ok {
		t = newTenant(name)
		s.tenants[name] = t
	}
	return t
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"status": status, "detail": detail})
}
