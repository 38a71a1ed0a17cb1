package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stagehand/internal/core"
	"stagehand/internal/webhook"
)

// usesWebhooks reports whether waits go through the actor's listener
// instead of polling.
func (g *Agent) usesWebhooks() bool {
	if g.PollOnly {
		return false
	}
	ev, ok := g.Actor.Events()
	return ok && ev.Correlator != nil
}

// wait runs fn and reports it as a wait event.
func (g *Agent) wait(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	ev := core.Event{
		VU:        core.VUFromContext(ctx),
		Actor:     g.Actor.Name(),
		Timestamp: time.Now(),
		Step:      name,
		Kind:      core.KindWait,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	core.ReporterFromContext(ctx).Report(ev)
	return err
}

func contains(states []string, s string) bool {
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// WaitConnectionState waits until the actor's side of conn reaches one of
// states.
func (g *Agent) WaitConnectionState(ctx context.Context, conn Connection, states ...string) (Connection, error) {
	out := conn
	err := g.wait(ctx, "wait_connection", func() error {
		if g.usesWebhooks() {
			ev, err := g.Actor.AwaitEvent(ctx, conn.ThreadID, webhook.StateIn(states...))
			if err != nil {
				return err
			}
			return mergeEventData(ev, &out)
		}
		cond := fmt.Sprintf("connection %s of %s in state %v", conn.ConnectionID, g.Actor.Name(), states)
		return g.Poll.Until(ctx, cond, func(ctx context.Context) (bool, error) {
			c, err := g.GetConnection(ctx, conn.ConnectionID)
			if err != nil {
				return false, err
			}
			out = c
			return contains(states, c.State), nil
		})
	})
	return out, err
}

// WaitCredentialState waits until the actor's record on rec's thread reaches
// one of states.
func (g *Agent) WaitCredentialState(ctx context.Context, rec Record, states ...string) (Record, error) {
	out := rec
	err := g.wait(ctx, "wait_credential", func() error {
		if g.usesWebhooks() {
			ev, err := g.Actor.AwaitEvent(ctx, rec.ThreadID, webhook.StateIn(states...))
			if err != nil {
				return err
			}
			return mergeEventData(ev, &out)
		}
		cond := fmt.Sprintf("credential record %s of %s in state %v", rec.RecordID, g.Actor.Name(), states)
		return g.Poll.Until(ctx, cond, func(ctx context.Context) (bool, error) {
			r, err := g.GetRecord(ctx, rec.RecordID)
			if err != nil {
				return false, err
			}
			out = r
			return contains(states, r.ProtocolState), nil
		})
	})
	return out, err
}

// WaitForOffer waits until the actor holds a received offer on thread thid.
func (g *Agent) WaitForOffer(ctx context.Context, thid string) (Record, error) {
	out := Record{ThreadID: thid}
	err := g.wait(ctx, "wait_credential_offer", func() error {
		if g.usesWebhooks() {
			ev, err := g.Actor.AwaitEvent(ctx, thid, webhook.StateIn(StateOfferReceived))
			if err != nil {
				return err
			}
			if err := mergeEventData(ev, &out); err != nil {
				return err
			}
			if out.RecordID == "" {
				return fmt.Errorf("offer event for thread %s without recordId", thid)
			}
			return nil
		}
		cond := fmt.Sprintf("credential offer on thread %s received by %s", thid, g.Actor.Name())
		return g.Poll.Until(ctx, cond, func(ctx context.Context) (bool, error) {
			r, ok, err := g.RecordByThread(ctx, thid)
			if err != nil || !ok {
				return false, err
			}
			out = r
			return r.ProtocolState == StateOfferReceived, nil
		})
	})
	return out, err
}

func (g *Agent) waitDIDPublished(ctx context.Context, did string) error {
	return g.wait(ctx, "wait_did_published", func() error {
		if g.usesWebhooks() {
			_, err := g.Actor.AwaitEvent(ctx, did, webhook.StateIn(DIDStatusPublished))
			return err
		}
		cond := fmt.Sprintf("did %s of %s published", did, g.Actor.Name())
		return g.Poll.Until(ctx, cond, func(ctx context.Context) (bool, error) {
			d, err := g.GetDID(ctx, did)
			if err != nil {
				return false, err
			}
			return d.Status == DIDStatusPublished, nil
		})
	})
}

// mergeEventData decodes the event's data object over dst, keeping fields
// the event does not carry.
func mergeEventData(ev webhook.Event, dst any) error {
	data := ev.Get("data")
	if !data.Exists() {
		return nil
	}
	if err := json.Unmarshal([]byte(data.Raw), dst); err != nil {
		return fmt.Errorf("decoding %s event data: %w", ev.Type, err)
	}
	return nil
}
