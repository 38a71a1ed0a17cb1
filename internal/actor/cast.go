package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stagehand/internal/core"
)

// Cast is the set of actors taking part in one run, indexed by name.
type Cast struct {
	order  []string
	actors map[string]*Actor

	teardownOnce sync.Once
	teardownErr  error
}

// NewCast builds a cast. Two actors with the same name are a configuration
// error.
func NewCast(actors ...*Actor) (*Cast, error) {
	c := &Cast{actors: make(map[string]*Actor, len(actors))}
	for _, a := range actors {
		if _, ok := c.actors[a.Name()]; ok {
			return nil, &core.ConfigurationError{Actor: a.Name(), Reason: "actor defined twice in cast"}
		}
		c.actors[a.Name()] = a
		c.order = append(c.order, a.Name())
	}
	return c, nil
}

// Actor returns the named actor or *core.NotFoundError.
func (c *Cast) Actor(name string) (*Actor, error) {
	if c != nil {
		if a, ok := c.actors[name]; ok {
			return a, nil
		}
	}
	return nil, &core.NotFoundError{Kind: "actor", Name: name}
}

// Actors returns the actors in definition order.
func (c *Cast) Actors() []*Actor {
	out := make([]*Actor, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.actors[n])
	}
	return out
}

// Names returns the actor names in definition order.
func (c *Cast) Names() []string {
	return append([]string(nil), c.order...)
}

// Fork returns a cast of independent actor instances for one iteration.
func (c *Cast) Fork(instance string) *Cast {
	f := &Cast{actors: make(map[string]*Actor, len(c.actors)), order: c.Names()}
	for n, a := range c.actors {
		f.actors[n] = a.Fork(instance)
	}
	return f
}

// Listen binds the port of every actor able to listen to events. Listeners
// started before a failure are released.
func (c *Cast) Listen(ctx context.Context) error {
	var started []*ListenToEvents
	for _, a := range c.Actors() {
		ev, ok := a.Events()
		if !ok {
			continue
		}
		if err := ev.Start(); err != nil {
			for _, s := range started {
				_ = s.Release(ctx)
			}
			return &core.ConfigurationError{Actor: a.Name(), Reason: "starting webhook listener", Err: err}
		}
		started = append(started, ev)
	}
	return nil
}

// Teardown releases every listener port. Only the first call has effect.
func (c *Cast) Teardown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.teardownOnce.Do(func() {
		var errs []error
		for _, a := range c.Actors() {
			if ev, ok := a.Events(); ok {
				if err := ev.Release(ctx); err != nil {
					errs = append(errs, fmt.Errorf("releasing listener of %s: %w", a.Name(), err))
				}
			}
		}
		c.teardownErr = errors.Join(errs...)
	})
	return c.teardownErr
}
