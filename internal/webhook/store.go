// Package webhook receives platform notifications and correlates them with
// the flows waiting on them.
package webhook

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Key identifies the events one actor received for one correlation id.
type Key struct {
	Actor         string
	CorrelationID string
}

// String is the storage key. The actor is length-prefixed so that no pair
// of distinct keys collides, whatever characters the names contain.
func (k Key) String() string {
	return strconv.Itoa(len(k.Actor)) + ":" + k.Actor + "/" + k.CorrelationID
}

// Event is one delivered notification.
type Event struct {
	ID            string          `json:"id,omitempty"`
	Actor         string          `json:"actor"`
	CorrelationID string          `json:"correlationId"`
	Type          string          `json:"type,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// Get returns the value at a gjson path in the payload.
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Payload, path)
}

// State returns the protocol state carried by the payload, if any.
func (e Event) State() string {
	for _, p := range []string{"data.state", "data.protocolState", "data.status", "state"} {
		if v := e.Get(p); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// Store keeps the latest event delivered for each key. A second delivery
// for the same key overwrites the first.
type Store interface {
	Put(ctx context.Context, key Key, ev Event) error
	// Get returns the stored event, or false when nothing was delivered.
	Get(ctx context.Context, key Key) (Event, bool, error)
	Delete(ctx context.Context, key Key) error
	Close() error
}
