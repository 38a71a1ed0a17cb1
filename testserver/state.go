package testserver

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type tenant struct {
	name        string
	wallet      string
	webhooks    []string
	dids        map[string]*did
	connections map[string]*connection
	records     map[string]*record
}

func newTenant(name string) *tenant {
	return &tenant{
		name:        name,
		dids:        make(map[string]*did),
		connections: make(map[string]*connection),
		records:     make(map[string]*record),
	}
}

type did struct {
	DID         string `json:"did"`
	LongFormDID string `json:"longFormDid"`
	Status      string `json:"status"`
}

// lookupDID accepts either the canonical or the long form.
func (t *tenant) lookupDID(ref string) (*did, bool) {
	d, ok := t.dids[canonical(ref)]
	return d, ok
}

func canonical(ref string) string {
	parts := strings.Split(ref, ":")
	if len(parts) > 3 {
		return strings.Join(parts[:3], ":")
	}
	return ref
}

type invitation struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	From          string `json:"from"`
	InvitationURL string `json:"invitationUrl"`
}

type connection struct {
	ConnectionID string      `json:"connectionId"`
	ThreadID     string      `json:"thid"`
	Label        string      `json:"label,omitempty"`
	Role         string      `json:"role"`
	State        string      `json:"state"`
	Invitation   *invitation `json:"invitation,omitempty"`

	owner *tenant
	peer  *connection
}

func (c *connection) final() bool {
	return c.State == "ConnectionResponseSent" || c.State == "ConnectionResponseReceived"
}

type record struct {
	RecordID      string         `json:"recordId"`
	ThreadID      string         `json:"thid"`
	Role          string         `json:"role"`
	ProtocolState string         `json:"protocolState"`
	ConnectionID  string         `json:"connectionId,omitempty"`
	SchemaID      string         `json:"schemaId,omitempty"`
	SubjectID     string         `json:"subjectId,omitempty"`
	IssuingDID    string         `json:"issuingDID,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
	Credential    string         `json:"credential,omitempty"`

	owner *tenant
	peer  *record
}

// delivery is a webhook event waiting to be sent once s.mu is released.
type delivery struct {
	urls []string
	body []byte
}

func (s *Server) event(t *tenant, typ string, data any) []delivery {
	if len(t.webhooks) == 0 {
		return nil
	}
	body, _ := json.Marshal(map[string]any{
		"id":   uuid.NewString(),
		"type": typ,
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
		"data": data,
	})
	return []delivery{{urls: append([]string(nil), t.webhooks...), body: body}}
}

func (s *Server) connectionEvent(c *connection) []delivery {
	cp := *c
	return s.event(c.owner, "ConnectionUpdated", &cp)
}

func (s *Server) recordEvent(r *record) []delivery {
	cp := *r
	return s.event(r.owner, "IssueCredentialRecordUpdated", &cp)
}

// scheduleLocked runs fn with s.mu held after the configured latency and
// then delivers the events it returns. Callers hold s.mu.
func (s *Server) scheduleLocked(fn func() []delivery) {
	if s.closed.Load() {
		return
	}
	s.pending.Add(1)
	var t *time.Timer
	t = time.AfterFunc(s.opts.Latency, func() {
		defer s.pending.Done()
		s.mu.Lock()
		delete(s.timers, t)
		events := fn()
		s.mu.Unlock()
		s.deliver(events)
	})
	s.timers[t] = struct{}{}
}

func (s *Server) deliver(events []delivery) {
	for _, ev := range events {
		times := 1
		if s.opts.DuplicateWebhooks {
			times = 2
		}
		for _, u := range ev.urls {
			for i := 0; i < times; i++ {
				resp, err := s.client.Post(u, "application/json", bytes.NewReader(ev.body))
				if err != nil {
					s.failed.Add(1)
					continue
				}
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					s.delivered.Add(1)
				} else {
					s.failed.Add(1)
				}
			}
		}
	}
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "wallet name required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.wallet != "" {
		writeError(w, http.StatusConflict, "tenant already has a wallet")
		return
	}
	t.wallet = uuid.NewString()
	writeJSON(w, http.StatusCreated, map[string]string{"id": t.wallet, "name": req.Name})
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "webhook url required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.webhooks = append(t.webhooks, req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"id": uuid.NewString(), "url": req.URL})
}

func (s *Server) handleCreateDID(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		DocumentTemplate json.RawMessage `json:"documentTemplate"`
	}
	if err := decodeBody(r, &req); err != nil || len(req.DocumentTemplate) == 0 {
		writeError(w, http.StatusBadRequest, "documentTemplate required")
		return
	}
	suffix := make([]byte, 32)
	rand.Read(suffix)
	short := "did:prism:" + hex.EncodeToString(suffix)
	d := &did{
		DID:         short,
		LongFormDID: short + ":" + base64.RawURLEncoding.EncodeToString(req.DocumentTemplate),
		Status:      "CREATED",
	}
	s.mu.Lock()
	t.dids[short] = d
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"longFormDid": d.LongFormDID})
}

func (s *Server) handleGetDID(w http.ResponseWriter, r *http.Request, t *tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := t.lookupDID(r.PathValue("did"))
	if !ok {
		writeError(w, http.StatusNotFound, "did not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePublishDID(w http.ResponseWriter, r *http.Request, t *tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := t.lookupDID(r.PathValue("did"))
	if !ok {
		writeError(w, http.StatusNotFound, "did not found")
		return
	}
	if d.Status != "CREATED" {
		writeError(w, http.StatusUnprocessableEntity, "did already published")
		return
	}
	d.Status = "PUBLICATION_PENDING"
	s.scheduleLocked(func() []delivery {
		d.Status = "PUBLISHED"
		cp := *d
		return s.event(t, "DIDStatusUpdated", &cp)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"scheduledOperation": map[string]string{"id": uuid.NewString(), "didRef": d.DID},
	})
}

func (s *Server) handleCreateSchema(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		Name    string          `json:"name"`
		Version string          `json:"version"`
		Author  string          `json:"author"`
		Schema  json.RawMessage `json:"schema"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" || req.Version == "" || req.Author == "" {
		writeError(w, http.StatusBadRequest, "name, version and author required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	author, ok := t.lookupDID(req.Author)
	if !ok || author.Status != "PUBLISHED" {
		writeError(w, http.StatusUnprocessableEntity, "schema author must be a published did of the tenant")
		return
	}
	guid := uuid.NewString()
	writeJSON(w, http.StatusCreated, map[string]string{
		"guid":    guid,
		"id":      uuid.NewString(),
		"name":    req.Name,
		"version": req.Version,
		"author":  req.Author,
	})
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		Label string `json:"label"`
	}
	_ = decodeBody(r, &req)

	thid := uuid.NewString()
	oob, _ := json.Marshal(map[string]string{"id": thid, "type": "https://didcomm.org/out-of-band/2.0/invitation"})
	c := &connection{
		ConnectionID: uuid.NewString(),
		ThreadID:     thid,
		Label:        req.Label,
		Role:         "Inviter",
		State:        "InvitationGenerated",
		Invitation: &invitation{
			ID:            thid,
			Type:          "https://didcomm.org/out-of-band/2.0/invitation",
			From:          "did:peer:" + t.name,
			InvitationURL: "https://my.domain.com/path?_oob=" + base64.RawURLEncoding.EncodeToString(oob),
		},
		owner: t,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.connections[c.ConnectionID] = c
	s.invitations[thid] = c
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request, t *tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := t.connections[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		Invitation string `json:"invitation"`
	}
	if err := decodeBody(r, &req); err != nil || req.Invitation == "" {
		writeError(w, http.StatusBadRequest, "invitation required")
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(req.Invitation)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invitation is not base64url")
		return
	}
	var oob struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &oob); err != nil || oob.ID == "" {
		writeError(w, http.StatusBadRequest, "malformed invitation")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inviter, ok := s.invitations[oob.ID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown invitation")
		return
	}
	if inviter.peer != nil || inviter.State != "InvitationGenerated" {
		writeError(w, http.StatusUnprocessableEntity, "invitation already used")
		return
	}
	if inviter.owner == t {
		writeError(w, http.StatusUnprocessableEntity, "cannot accept own invitation")
		return
	}
	invitee := &connection{
		ConnectionID: uuid.NewString(),
		ThreadID:     inviter.ThreadID,
		Label:        inviter.Label,
		Role:         "Invitee",
		State:        "ConnectionRequestPending",
		owner:        t,
		peer:         inviter,
	}
	inviter.peer = invitee
	t.connections[invitee.ConnectionID] = invitee

	s.scheduleLocked(func() []delivery {
		invitee.State = "ConnectionRequestSent"
		inviter.State = "ConnectionRequestReceived"
		events := append(s.connectionEvent(invitee), s.connectionEvent(inviter)...)
		s.scheduleLocked(func() []delivery {
			inviter.State = "ConnectionResponseSent"
			invitee.State = "ConnectionResponseReceived"
			return append(s.connectionEvent(inviter), s.connectionEvent(invitee)...)
		})
		return events
	})
	writeJSON(w, http.StatusOK, invitee)
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		ConnectionID string         `json:"connectionId"`
		IssuingDID   string         `json:"issuingDID"`
		SchemaID     string         `json:"schemaId"`
		Claims       map[string]any `json:"claims"`
	}
	if err := decodeBody(r, &req); err != nil || req.ConnectionID == "" || req.IssuingDID == "" {
		writeError(w, http.StatusBadRequest, "connectionId and issuingDID required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := t.connections[req.ConnectionID]
	if !ok {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if !c.final() {
		writeError(w, http.StatusUnprocessableEntity, "connection is not established: "+c.State)
		return
	}
	d, ok := t.lookupDID(req.IssuingDID)
	if !ok || d.Status != "PUBLISHED" {
		writeError(w, http.StatusUnprocessableEntity, "issuing did is not published")
		return
	}

	issuer := &record{
		RecordID:      uuid.NewString(),
		ThreadID:      uuid.NewString(),
		Role:          "Issuer",
		ProtocolState: "OfferPending",
		ConnectionID:  c.ConnectionID,
		SchemaID:      req.SchemaID,
		IssuingDID:    req.IssuingDID,
		Claims:        req.Claims,
		owner:         t,
	}
	t.records[issuer.RecordID] = issuer

	s.scheduleLocked(func() []delivery {
		peer := c.peer
		holder := &record{
			RecordID:      uuid.NewString(),
			ThreadID:      issuer.ThreadID,
			Role:          "Holder",
			ProtocolState: "OfferReceived",
			ConnectionID:  peer.ConnectionID,
			SchemaID:      issuer.SchemaID,
			Claims:        issuer.Claims,
			owner:         peer.owner,
			peer:          issuer,
		}
		issuer.peer = holder
		peer.owner.records[holder.RecordID] = holder
		issuer.ProtocolState = "OfferSent"
		return append(s.recordEvent(issuer), s.recordEvent(holder)...)
	})
	writeJSON(w, http.StatusCreated, issuer)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request, t *tenant) {
	thid := r.URL.Query().Get("thid")
	s.mu.Lock()
	defer s.mu.Unlock()
	contents := []*record{}
	for _, rec := range t.records {
		if thid == "" || rec.ThreadID == thid {
			contents = append(contents, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contents": contents})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, t *tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := t.records[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request, t *tenant) {
	var req struct {
		SubjectID string `json:"subjectId"`
	}
	if err := decodeBody(r, &req); err != nil || req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "subjectId required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := t.records[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if holder.Role != "Holder" || holder.ProtocolState != "OfferReceived" {
		writeError(w, http.StatusUnprocessableEntity, "record is not an offer awaiting acceptance: "+holder.ProtocolState)
		return
	}
	holder.SubjectID = req.SubjectID
	holder.ProtocolState = "RequestPending"

	s.scheduleLocked(func() []delivery {
		holder.ProtocolState = "RequestSent"
		holder.peer.ProtocolState = "RequestReceived"
		holder.peer.SubjectID = holder.SubjectID
		return append(s.recordEvent(holder), s.recordEvent(holder.peer)...)
	})
	writeJSON(w, http.StatusOK, holder)
}

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request, t *tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issuer, ok := t.records[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if issuer.Role != "Issuer" || issuer.ProtocolState != "RequestReceived" {
		writeError(w, http.StatusUnprocessableEntity, "record has no credential request: "+issuer.ProtocolState)
		return
	}
	issuer.ProtocolState = "CredentialPending"

	s.scheduleLocked(func() []delivery {
		issuer.ProtocolState = "CredentialGenerated"
		events := s.recordEvent(issuer)
		s.scheduleLocked(func() []delivery {
			credential := s.signCredential(issuer)
			issuer.ProtocolState = "CredentialSent"
			holder := issuer.peer
			holder.ProtocolState = "CredentialReceived"
			holder.Credential = credential
			return append(s.recordEvent(issuer), s.recordEvent(holder)...)
		})
		return events
	})
	writeJSON(w, http.StatusOK, issuer)
}

func (s *Server) signCredential(rec *record) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": rec.IssuingDID,
		"sub": rec.SubjectID,
		"nbf": time.Now().Unix(),
		"vc": map[string]any{
			"credentialSubject": rec.Claims,
			"credentialSchema":  map[string]string{"id": rec.SchemaID},
		},
	})
	signed, _ := tok.SignedString(s.opts.Secret)
	return base64.RawURLEncoding.EncodeToString([]byte(signed))
}
