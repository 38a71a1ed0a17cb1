package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/actor"
	"stagehand/internal/core"
	"stagehand/internal/flow"
	apihttp "stagehand/internal/http"
	"stagehand/internal/webhook"
	"stagehand/testserver"
)

var testPoll = flow.Poll{Interval: 5 * time.Millisecond, MaxAttempts: 400}

func newMock(t *testing.T, opts testserver.Options) string {
	t.Helper()
	mock := testserver.NewServer(opts)
	ts := httptest.NewServer(mock.Handler())
	t.Cleanup(func() {
		ts.Close()
		mock.Close()
	})
	return ts.URL
}

func newAgent(t *testing.T, name, baseURL string) *Agent {
	t.Helper()
	a := actor.New(name)
	require.NoError(t, a.WhoCan(actor.CallAPIAt(&apihttp.Client{Actor: name, BaseURL: baseURL})))
	a.Remember(actor.KeyAPIKey, name+"-key")
	a.Remember(actor.KeyAuthHeader, "apikey")
	return New(a, testPoll)
}

// withListener gives g a started webhook listener and registers it.
func withListener(t *testing.T, g *Agent) *webhook.Correlator {
	t.Helper()
	corr := webhook.NewCorrelator(webhook.NewMemoryStore(time.Minute))
	l := webhook.NewListener(g.Actor.Name(), 0, webhook.DefaultPath, corr)
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Close(context.Background()) })

	ev := &actor.ListenToEvents{
		URL:        fmt.Sprintf("http://127.0.0.1:%d/", l.Port()),
		Timeout:    5 * time.Second,
		Listener:   l,
		Correlator: corr,
	}
	require.NoError(t, g.Actor.WhoCan(ev))
	require.NoError(t, g.RegisterWebhook(context.Background(), ev.URL))
	return corr
}

type issuance struct {
	issuer, holder *Agent
	did            string
	schema         Schema
}

func (s issuance) run(t *testing.T, ctx context.Context) Record {
	t.Helper()
	inv, err := s.issuer.CreateInvitation(ctx, "test")
	require.NoError(t, err)
	accepted, err := s.holder.AcceptInvitation(ctx, inv.Invitation.InvitationURL)
	require.NoError(t, err)

	_, err = s.issuer.WaitConnectionState(ctx, inv, StateConnectionResponseSent)
	require.NoError(t, err)
	_, err = s.holder.WaitConnectionState(ctx, accepted, StateConnectionResponseReceived)
	require.NoError(t, err)

	offer, err := s.issuer.OfferCredential(ctx, inv.ConnectionID, s.did, s.schema.GUID, map[string]any{"name": "alice", "age": 30})
	require.NoError(t, err)

	received, err := s.holder.WaitForOffer(ctx, offer.ThreadID)
	require.NoError(t, err)
	_, err = s.holder.AcceptOffer(ctx, received.RecordID, "did:prism:holder")
	require.NoError(t, err)

	_, err = s.issuer.WaitCredentialState(ctx, offer, StateRequestReceived)
	require.NoError(t, err)
	_, err = s.issuer.IssueCredential(ctx, offer.RecordID)
	require.NoError(t, err)
	_, err = s.issuer.WaitCredentialState(ctx, offer, StateCredentialSent)
	require.NoError(t, err)

	final, err := s.holder.WaitCredentialState(ctx, received, StateCredentialReceived)
	require.NoError(t, err)
	return final
}

func setupIssuance(t *testing.T, ctx context.Context, issuer, holder *Agent) issuance {
	t.Helper()
	long, err := issuer.CreateUnpublishedDID(ctx)
	require.NoError(t, err)
	did, err := issuer.PublishDID(ctx, long)
	require.NoError(t, err)
	schema, err := issuer.CreateSchema(ctx, did)
	require.NoError(t, err)
	return issuance{issuer: issuer, holder: holder, did: did, schema: schema}
}

func TestIssuance_Polling(t *testing.T) {
	base := newMock(t, testserver.Options{Latency: 2 * time.Millisecond})
	ctx := context.Background()
	issuer, holder := newAgent(t, "Issuer", base), newAgent(t, "Holder", base)

	_, err := issuer.CreateWallet(ctx)
	require.NoError(t, err)
	_, err = holder.CreateWallet(ctx)
	require.NoError(t, err)

	s := setupIssuance(t, ctx, issuer, holder)
	final := s.run(t, ctx)
	assert.Equal(t, StateCredentialReceived, final.ProtocolState)
	assert.NotEmpty(t, final.Credential)
}

func TestIssuance_Webhooks(t *testing.T) {
	base := newMock(t, testserver.Options{Latency: 2 * time.Millisecond, DuplicateWebhooks: true})
	ctx := context.Background()
	issuer, holder := newAgent(t, "Issuer", base), newAgent(t, "Holder", base)
	issuerEvents := withListener(t, issuer)
	holderEvents := withListener(t, holder)

	s := setupIssuance(t, ctx, issuer, holder)
	final := s.run(t, ctx)

	assert.Equal(t, StateCredentialReceived, final.ProtocolState)
	assert.NotEmpty(t, final.RecordID)
	assert.Positive(t, issuerEvents.Duplicates(), "mock delivers every event twice")
	assert.Positive(t, holderEvents.Delivered())
	assert.Zero(t, issuerEvents.Waiting())
	assert.Zero(t, holderEvents.Waiting())
}

func TestIssuance_RepeatedOverOneSetup(t *testing.T) {
	base := newMock(t, testserver.Options{})
	ctx := context.Background()
	issuer, holder := newAgent(t, "Issuer", base), newAgent(t, "Holder", base)

	s := setupIssuance(t, ctx, issuer, holder)
	for i := 0; i < 3; i++ {
		final := s.run(t, ctx)
		assert.Equal(t, StateCredentialReceived, final.ProtocolState, "iteration %d", i)
	}
}

func TestOfferBeforeConnectionIsRejected(t *testing.T) {
	base := newMock(t, testserver.Options{Latency: time.Hour})
	ctx := context.Background()
	issuer, holder := newAgent(t, "Issuer", base), newAgent(t, "Holder", base)

	long, err := issuer.CreateUnpublishedDID(ctx)
	require.NoError(t, err)
	inv, err := issuer.CreateInvitation(ctx, "early")
	require.NoError(t, err)
	_, err = holder.AcceptInvitation(ctx, inv.Invitation.InvitationURL)
	require.NoError(t, err)

	_, err = issuer.OfferCredential(ctx, inv.ConnectionID, long, "", map[string]any{"name": "x"})
	var unexpected *core.UnexpectedResponseError
	require.True(t, errors.As(err, &unexpected), "expected UnexpectedResponseError, got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, unexpected.Actual)
	assert.Equal(t, []int{http.StatusCreated}, unexpected.Expected)
}

func TestWaitConnectionState_PollTimeout(t *testing.T) {
	base := newMock(t, testserver.Options{Latency: time.Hour})
	ctx := context.Background()
	issuer := newAgent(t, "Issuer", base)
	issuer.Poll = flow.Poll{Interval: time.Millisecond, MaxAttempts: 3}

	inv, err := issuer.CreateInvitation(ctx, "never")
	require.NoError(t, err)

	_, err = issuer.WaitConnectionState(ctx, inv, StateConnectionResponseSent)
	var timeout *core.TimeoutError
	assert.True(t, errors.As(err, &timeout), "expected TimeoutError, got %v", err)
}

func TestWaitConnectionState_WebhookTimeout(t *testing.T) {
	base := newMock(t, testserver.Options{Latency: time.Hour})
	ctx := context.Background()
	issuer := newAgent(t, "Issuer", base)
	withListener(t, issuer)
	ev, _ := issuer.Actor.Events()
	ev.Timeout = 20 * time.Millisecond

	inv, err := issuer.CreateInvitation(ctx, "never")
	require.NoError(t, err)

	_, err = issuer.WaitConnectionState(ctx, inv, StateConnectionResponseSent)
	var timeout *core.TimeoutError
	require.True(t, errors.As(err, &timeout), "expected TimeoutError, got %v", err)
	assert.Contains(t, timeout.Condition, "Issuer")
}

func TestAcceptInvitation_MalformedURL(t *testing.T) {
	holder := newAgent(t, "Holder", "http://127.0.0.1:1")
	_, err := holder.AcceptInvitation(context.Background(), "https://example.com/no-oob")
	assert.ErrorContains(t, err, "_oob")
}

func TestCanonicalDID(t *testing.T) {
	assert.Equal(t, "did:prism:abc", canonicalDID("did:prism:abc:Cj8KPRI7"))
	assert.Equal(t, "did:prism:abc", canonicalDID("did:prism:abc"))
}

func TestWaitReportsEvent(t *testing.T) {
	base := newMock(t, testserver.Options{})
	rec := &core.RecordingReporter{}
	ctx := core.ContextWithReporter(core.ContextWithVU(context.Background(), 4), rec)
	issuer := newAgent(t, "Issuer", base)

	long, err := issuer.CreateUnpublishedDID(ctx)
	require.NoError(t, err)
	_, err = issuer.PublishDID(ctx, long)
	require.NoError(t, err)

	var waits []core.Event
	for _, e := range rec.Events() {
		if e.Kind == core.KindWait {
			waits = append(waits, e)
		}
	}
	require.Len(t, waits, 1)
	assert.Equal(t, "wait_did_published", waits[0].Step)
	assert.Equal(t, 4, waits[0].VU)
	assert.True(t, waits[0].Success)
}
