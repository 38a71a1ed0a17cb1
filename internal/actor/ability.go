// Package actor models the named participants of a scenario and the
// abilities they act through.
package actor

import (
	"context"
	"time"

	apihttp "stagehand/internal/http"
	"stagehand/internal/webhook"
)

// AbilityKind identifies one of the closed set of abilities.
type AbilityKind string

const (
	KindCallAPI        AbilityKind = "call-an-api"
	KindListenToEvents AbilityKind = "listen-to-events"
)

// Ability is a capability bound to one actor. An actor holds at most one
// ability of each kind.
type Ability interface {
	Kind() AbilityKind
}

// CallAnAPI lets an actor send requests to its base URL.
type CallAnAPI struct {
	Client *apihttp.Client
}

// CallAPIAt returns a CallAnAPI ability backed by client.
func CallAPIAt(client *apihttp.Client) *CallAnAPI {
	return &CallAnAPI{Client: client}
}

func (*CallAnAPI) Kind() AbilityKind { return KindCallAPI }

// ListenToEvents lets an actor receive webhook deliveries on its own port.
type ListenToEvents struct {
	// URL is the externally reachable address registered with the platform.
	URL string
	// InitRequired marks that URL must be registered before events arrive.
	InitRequired bool
	// Timeout bounds every wait made through this ability.
	Timeout time.Duration

	Listener   *webhook.Listener
	Correlator *webhook.Correlator
}

func (*ListenToEvents) Kind() AbilityKind { return KindListenToEvents }

// Start binds the listener port.
func (l *ListenToEvents) Start() error {
	return l.Listener.Start()
}

// Release stops the listener and frees its port. It is safe to call more
// than once.
func (l *ListenToEvents) Release(ctx context.Context) error {
	if l.Listener == nil {
		return nil
	}
	return l.Listener.Close(ctx)
}
