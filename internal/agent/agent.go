// Package agent drives the platform's REST API on behalf of one actor.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"stagehand/internal/actor"
	"stagehand/internal/flow"
	apihttp "stagehand/internal/http"
)

// Agent exposes the platform operations an actor performs.
type Agent struct {
	Actor *actor.Actor
	Poll  flow.Poll
	// PollOnly makes every wait poll the status endpoint even when the
	// actor can listen to events.
	PollOnly bool
}

func New(a *actor.Actor, poll flow.Poll) *Agent {
	return &Agent{Actor: a, Poll: poll}
}

func (g *Agent) call(ctx context.Context, name, method, path string, body any, expect ...int) (*apihttp.Response, error) {
	return g.Actor.Call(ctx, apihttp.Request{
		Name:   name,
		Method: method,
		Path:   path,
		Body:   body,
		Expect: expect,
	})
}

// CreateWallet creates a wallet for the actor's tenant.
func (g *Agent) CreateWallet(ctx context.Context) (string, error) {
	resp, err := g.call(ctx, "create_wallet", http.MethodPost, "/wallets",
		map[string]string{"name": uuid.NewString()}, http.StatusCreated)
	if err != nil {
		return "", err
	}
	return resp.Get("id").String(), nil
}

// RegisterWebhook registers the URL the platform delivers events to.
func (g *Agent) RegisterWebhook(ctx context.Context, webhookURL string) error {
	_, err := g.call(ctx, "register_webhook", http.MethodPost, "/events/webhooks",
		map[string]string{"url": webhookURL}, http.StatusOK)
	return err
}

// CreateUnpublishedDID creates a managed DID and returns its long form.
func (g *Agent) CreateUnpublishedDID(ctx context.Context) (string, error) {
	body := map[string]any{
		"documentTemplate": map[string]any{
			"publicKeys": []map[string]string{
				{"id": "auth-1", "purpose": "authentication"},
				{"id": "assertion-1", "purpose": "assertionMethod"},
			},
			"services": []any{},
		},
	}
	resp, err := g.call(ctx, "create_did", http.MethodPost, "/did-registrar/dids", body, http.StatusCreated)
	if err != nil {
		return "", err
	}
	did := resp.Get("longFormDid").String()
	if did == "" {
		return "", fmt.Errorf("create did: response without longFormDid")
	}
	return did, nil
}

// PublishDID schedules publication of longFormDID, waits until it is
// published and returns the canonical DID.
func (g *Agent) PublishDID(ctx context.Context, longFormDID string) (string, error) {
	resp, err := g.call(ctx, "publish_did", http.MethodPost,
		"/did-registrar/dids/"+url.PathEscape(longFormDID)+"/publications", nil, http.StatusAccepted)
	if err != nil {
		return "", err
	}
	did := resp.Get("scheduledOperation.didRef").String()
	if did == "" {
		did = canonicalDID(longFormDID)
	}
	if err := g.waitDIDPublished(ctx, did); err != nil {
		return "", err
	}
	return did, nil
}

// GetDID returns the managed DID record.
func (g *Agent) GetDID(ctx context.Context, did string) (DID, error) {
	resp, err := g.call(ctx, "get_did", http.MethodGet, "/did-registrar/dids/"+url.PathEscape(did), nil, http.StatusOK)
	if err != nil {
		return DID{}, err
	}
	var out DID
	if err := resp.Decode(&out); err != nil {
		return DID{}, fmt.Errorf("decoding did: %w", err)
	}
	return out, nil
}

// CreateSchema registers a credential schema authored by authorDID.
func (g *Agent) CreateSchema(ctx context.Context, authorDID string) (Schema, error) {
	body := map[string]any{
		"name":        "automation-schema-" + uuid.NewString(),
		"version":     "0.0.1",
		"description": "Simple credential schema for automated tests",
		"type":        "https://w3c-ccg.github.io/vc-json-schemas/schema/2.0/schema.json",
		"author":      authorDID,
		"tags":        []string{"automation"},
		"schema": map[string]any{
			"$id":     "https://example.com/student-schema-1.0.0",
			"$schema": "https://json-schema.org/draft/2020-12/schema",
			"type":    "object",
			"properties": map[string]any{
				"name": map[string]string{"type": "string"},
				"age":  map[string]string{"type": "integer"},
			},
			"required": []string{"name", "age"},
		},
	}
	resp, err := g.call(ctx, "create_schema", http.MethodPost, "/schema-registry/schemas", body, http.StatusCreated)
	if err != nil {
		return Schema{}, err
	}
	var s Schema
	if err := resp.Decode(&s); err != nil {
		return Schema{}, fmt.Errorf("decoding schema: %w", err)
	}
	if s.GUID == "" {
		return Schema{}, fmt.Errorf("create schema: response without guid")
	}
	return s, nil
}

// CreateInvitation creates a connection invitation.
func (g *Agent) CreateInvitation(ctx context.Context, label string) (Connection, error) {
	resp, err := g.call(ctx, "create_connection", http.MethodPost, "/connections",
		map[string]string{"label": label}, http.StatusCreated)
	if err != nil {
		return Connection{}, err
	}
	return decodeConnection(resp)
}

// AcceptInvitation accepts an invitation received out of band.
func (g *Agent) AcceptInvitation(ctx context.Context, invitationURL string) (Connection, error) {
	oob, err := invitationPayload(invitationURL)
	if err != nil {
		return Connection{}, err
	}
	resp, err := g.call(ctx, "accept_invitation", http.MethodPost, "/connection-invitations",
		map[string]string{"invitation": oob}, http.StatusOK)
	if err != nil {
		return Connection{}, err
	}
	return decodeConnection(resp)
}

// GetConnection returns the actor's view of a connection.
func (g *Agent) GetConnection(ctx context.Context, connectionID string) (Connection, error) {
	resp, err := g.call(ctx, "get_connection", http.MethodGet, "/connections/"+url.PathEscape(connectionID), nil, http.StatusOK)
	if err != nil {
		return Connection{}, err
	}
	return decodeConnection(resp)
}

// OfferCredential offers a credential over an established connection.
func (g *Agent) OfferCredential(ctx context.Context, connectionID, issuingDID, schemaID string, claims map[string]any) (Record, error) {
	body := map[string]any{
		"connectionId":      connectionID,
		"issuingDID":        issuingDID,
		"schemaId":          schemaID,
		"claims":            claims,
		"credentialFormat":  "JWT",
		"automaticIssuance": false,
	}
	resp, err := g.call(ctx, "create_credential_offer", http.MethodPost, "/issue-credentials/credential-offers", body, http.StatusCreated)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(resp)
}

// GetRecord returns the actor's view of an issue-credential record.
func (g *Agent) GetRecord(ctx context.Context, recordID string) (Record, error) {
	resp, err := g.call(ctx, "get_credential_record", http.MethodGet,
		"/issue-credentials/records/"+url.PathEscape(recordID), nil, http.StatusOK)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(resp)
}

// RecordByThread returns the actor's record for a thread, if it exists.
func (g *Agent) RecordByThread(ctx context.Context, thid string) (Record, bool, error) {
	resp, err := g.Actor.Call(ctx, apihttp.Request{
		Name:   "find_credential_record",
		Method: http.MethodGet,
		Path:   "/issue-credentials/records",
		Query:  url.Values{"thid": []string{thid}},
		Expect: []int{http.StatusOK},
	})
	if err != nil {
		return Record{}, false, err
	}
	first := resp.Get("contents.0")
	if !first.Exists() {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(first.Raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decoding credential record: %w", err)
	}
	return rec, true, nil
}

// AcceptOffer accepts a received offer, binding the credential to subjectDID.
func (g *Agent) AcceptOffer(ctx context.Context, recordID, subjectDID string) (Record, error) {
	resp, err := g.call(ctx, "accept_credential_offer", http.MethodPost,
		"/issue-credentials/records/"+url.PathEscape(recordID)+"/accept-offer",
		map[string]string{"subjectId": subjectDID}, http.StatusOK)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(resp)
}

// IssueCredential issues the credential for a received request.
func (g *Agent) IssueCredential(ctx context.Context, recordID string) (Record, error) {
	resp, err := g.call(ctx, "issue_credential", http.MethodPost,
		"/issue-credentials/records/"+url.PathEscape(recordID)+"/issue-credential", nil, http.StatusOK)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(resp)
}

func decodeConnection(resp *apihttp.Response) (Connection, error) {
	var c Connection
	if err := resp.Decode(&c); err != nil {
		return Connection{}, fmt.Errorf("decoding connection: %w", err)
	}
	if c.ConnectionID == "" {
		return Connection{}, fmt.Errorf("connection response without connectionId")
	}
	return c, nil
}

func decodeRecord(resp *apihttp.Response) (Record, error) {
	var r Record
	if err := resp.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("decoding credential record: %w", err)
	}
	if r.RecordID == "" {
		return Record{}, fmt.Errorf("credential record response without recordId")
	}
	return r, nil
}

// invitationPayload extracts the _oob query parameter of an invitation URL.
func invitationPayload(invitationURL string) (string, error) {
	u, err := url.Parse(invitationURL)
	if err != nil {
		return "", fmt.Errorf("parsing invitation url: %w", err)
	}
	oob := u.Query().Get("_oob")
	if oob == "" {
		return "", fmt.Errorf("invitation url %q has no _oob parameter", invitationURL)
	}
	return oob, nil
}

// canonicalDID strips the encoded state from a long-form PRISM DID.
func canonicalDID(longForm string) string {
	parts := strings.Split(longForm, ":")
	if len(parts) > 3 {
		return strings.Join(parts[:3], ":")
	}
	return longForm
}
