package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"stagehand/internal/core"
	"stagehand/internal/logging"
	"stagehand/internal/template"
)

// DefaultCorrelationPaths are the payload fields searched, in order, for the
// correlation id of a delivered event.
var DefaultCorrelationPaths = []string{
	"data.thid",
	"data.connectionId",
	"data.recordId",
	"data.did",
	"data.longFormDid",
	"thid",
}

var (
	// ErrInvalidPayload is returned for deliveries that are not JSON objects.
	ErrInvalidPayload = errors.New("webhook payload is not a JSON object")
	// ErrNoCorrelationID is returned for deliveries without a correlation id.
	ErrNoCorrelationID = errors.New("webhook payload carries no correlation id")
)

// Matcher selects the event a waiter is interested in. A nil Matcher
// accepts any event for the key.
type Matcher func(Event) bool

// StateIn matches events whose protocol state is one of states.
func StateIn(states ...string) Matcher {
	return func(ev Event) bool {
		s := ev.State()
		for _, want := range states {
			if s == want {
				return true
			}
		}
		return false
	}
}

type waiter struct {
	match Matcher
	ch    chan Event
}

// Correlator stores delivered events per (actor, correlation id) and hands
// them to the steps waiting on them.
type Correlator struct {
	store        Store
	paths        []string
	pollInterval time.Duration
	logger       *logging.Logger

	mu      sync.Mutex
	waiters map[Key]map[*waiter]struct{}

	delivered  atomic.Int64
	duplicates atomic.Int64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithCorrelationPaths overrides DefaultCorrelationPaths.
func WithCorrelationPaths(paths ...string) Option {
	return func(c *Correlator) {
		if len(paths) > 0 {
			c.paths = paths
		}
	}
}

// WithStorePolling makes waiters re-read the store every interval, so events
// delivered to another process sharing the store are observed.
func WithStorePolling(interval time.Duration) Option {
	return func(c *Correlator) { c.pollInterval = interval }
}

func NewCorrelator(store Store, opts ...Option) *Correlator {
	c := &Correlator{
		store:   store,
		paths:   DefaultCorrelationPaths,
		logger:  logging.GetLogger("webhook"),
		waiters: make(map[Key]map[*waiter]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CorrelationID extracts the correlation id from a payload.
func (c *Correlator) CorrelationID(payload []byte) (string, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return "", ErrInvalidPayload
	}
	v, _, ok := template.First(payload, c.paths...)
	if !ok {
		return "", ErrNoCorrelationID
	}
	return v.String(), nil
}

// Deliver stores a payload received by actor's listener and wakes the first
// waiter it satisfies. A repeated delivery overwrites the stored event.
func (c *Correlator) Deliver(ctx context.Context, actor string, payload []byte) (Event, error) {
	id, err := c.CorrelationID(payload)
	if err != nil {
		return Event{}, err
	}
	root := gjson.ParseBytes(payload)
	ev := Event{
		ID:            root.Get("id").String(),
		Actor:         actor,
		CorrelationID: id,
		Type:          root.Get("type").String(),
		Payload:       append([]byte(nil), payload...),
		ReceivedAt:    time.Now(),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	key := Key{Actor: actor, CorrelationID: id}

	if prev, ok, err := c.store.Get(ctx, key); err == nil && ok && prev.ID == ev.ID {
		c.duplicates.Add(1)
		c.logger.Debug("duplicate webhook delivery", "actor", actor, "correlation_id", id, "event_id", ev.ID)
	}
	if err := c.store.Put(ctx, key, ev); err != nil {
		return Event{}, fmt.Errorf("storing event for %s: %w", key, err)
	}
	c.delivered.Add(1)
	c.logger.Debug("webhook stored", "actor", actor, "correlation_id", id, "type", ev.Type, "state", ev.State())

	c.notify(key, ev)
	return ev, nil
}

func (c *Correlator) notify(key Key, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for w := range c.waiters[key] {
		if w.match == nil || w.match(ev) {
			w.ch <- ev
			delete(c.waiters[key], w)
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

func (c *Correlator) register(key Key, match Matcher) *waiter {
	w := &waiter{match: match, ch: make(chan Event, 1)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters[key] == nil {
		c.waiters[key] = make(map[*waiter]struct{})
	}
	c.waiters[key][w] = struct{}{}
	return w
}

func (c *Correlator) unregister(key Key, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws, ok := c.waiters[key]; ok {
		delete(ws, w)
		if len(ws) == 0 {
			delete(c.waiters, key)
		}
	}
}

// Await returns the event stored for (actor, id), waiting up to timeout for
// it to arrive.
func (c *Correlator) Await(ctx context.Context, actor, id string, timeout time.Duration) (Event, error) {
	return c.AwaitMatch(ctx, actor, id, timeout, nil)
}

// AwaitMatch is Await restricted to events accepted by match. It returns
// immediately when the stored event already matches. Each waiter receives
// at most one event.
func (c *Correlator) AwaitMatch(ctx context.Context, actor, id string, timeout time.Duration, match Matcher) (Event, error) {
	key := Key{Actor: actor, CorrelationID: id}
	start := time.Now()

	w := c.register(key, match)
	defer c.unregister(key, w)

	attempts := 1
	if ev, ok, err := c.lookup(ctx, key, match); err != nil || ok {
		return ev, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var poll <-chan time.Time
	if c.pollInterval > 0 {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case ev := <-w.ch:
			return ev, nil
		case <-poll:
			attempts++
			if ev, ok, err := c.lookup(ctx, key, match); err != nil || ok {
				return ev, err
			}
		case <-timer.C:
			return Event{}, &core.TimeoutError{
				Condition: fmt.Sprintf("webhook for actor %s correlation id %s", actor, id),
				Waited:    time.Since(start),
				Attempts:  attempts,
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (c *Correlator) lookup(ctx context.Context, key Key, match Matcher) (Event, bool, error) {
	ev, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return Event{}, false, fmt.Errorf("reading event for %s: %w", key, err)
	}
	if !ok || (match != nil && !match(ev)) {
		return Event{}, false, nil
	}
	return ev, true, nil
}

// Forget drops the stored event for (actor, id).
func (c *Correlator) Forget(ctx context.Context, actor, id string) error {
	return c.store.Delete(ctx, Key{Actor: actor, CorrelationID: id})
}

// Delivered returns the number of stored deliveries.
func (c *Correlator) Delivered() int64 { return c.delivered.Load() }

// Duplicates returns the number of deliveries that repeated a stored event id.
func (c *Correlator) Duplicates() int64 { return c.duplicates.Load() }

// Waiting returns the number of registered waiters.
func (c *Correlator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ws := range c.waiters {
		n += len(ws)
	}
	return n
}

// Close releases the underlying store.
func (c *Correlator) Close() error {
	return c.store.Close()
}
