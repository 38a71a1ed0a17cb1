package actor

import (
	"context"
	"sort"

	"stagehand/internal/core"
	apihttp "stagehand/internal/http"
	"stagehand/internal/webhook"
)

// Reserved memory keys for credentials.
const (
	KeyAPIKey          = "AUTH_KEY"
	KeyAuthHeader      = "AUTH_HEADER"
	KeyBearerToken     = "BEARER_TOKEN"
	KeyUnauthenticated = "UNAUTHENTICATED"
)

// Actor is a named identity with abilities and a private memory. An actor
// is driven by one flow at a time, so its memory is not synchronized; use
// Fork to give concurrent iterations their own instance.
type Actor struct {
	name      string
	instance  string
	abilities map[AbilityKind]Ability
	memory    map[string]any
}

// New creates an actor without abilities.
func New(name string) *Actor {
	return &Actor{
		name:      name,
		abilities: make(map[AbilityKind]Ability),
		memory:    make(map[string]any),
	}
}

// Name returns the actor's role name.
func (a *Actor) Name() string { return a.name }

// Instance returns the fork suffix, or "" for the original actor.
func (a *Actor) Instance() string { return a.instance }

func (a *Actor) String() string {
	if a.instance == "" {
		return a.name
	}
	return a.name + "#" + a.instance
}

// WhoCan attaches abilities. Attaching a second ability of an existing kind
// fails with *core.DuplicateAbilityError and leaves the actor unchanged.
func (a *Actor) WhoCan(abilities ...Ability) error {
	seen := make(map[AbilityKind]bool, len(abilities))
	for _, ab := range abilities {
		if _, ok := a.abilities[ab.Kind()]; ok || seen[ab.Kind()] {
			return &core.DuplicateAbilityError{Actor: a.name, Kind: string(ab.Kind())}
		}
		seen[ab.Kind()] = true
	}
	for _, ab := range abilities {
		a.abilities[ab.Kind()] = ab
	}
	return nil
}

// AbilityTo returns the ability of the given kind.
func (a *Actor) AbilityTo(kind AbilityKind) (Ability, bool) {
	ab, ok := a.abilities[kind]
	return ab, ok
}

// Abilities returns the attached ability kinds in a stable order.
func (a *Actor) Abilities() []AbilityKind {
	kinds := make([]AbilityKind, 0, len(a.abilities))
	for k := range a.abilities {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// API returns the actor's CallAnAPI ability.
func (a *Actor) API() (*CallAnAPI, error) {
	ab, ok := a.abilities[KindCallAPI]
	if !ok {
		return nil, &core.ConfigurationError{Actor: a.name, Reason: "actor cannot call an API"}
	}
	return ab.(*CallAnAPI), nil
}

// Events returns the actor's ListenToEvents ability.
func (a *Actor) Events() (*ListenToEvents, bool) {
	ab, ok := a.abilities[KindListenToEvents]
	if !ok {
		return nil, false
	}
	return ab.(*ListenToEvents), true
}

// Remember stores value under key, replacing any previous value.
func (a *Actor) Remember(key string, value any) {
	a.memory[key] = value
}

// Recall returns the value stored under key and whether it exists.
func (a *Actor) Recall(key string) (any, bool) {
	v, ok := a.memory[key]
	return v, ok
}

// RecallString returns the string stored under key. Absence or a value of
// another type is reported through ok.
func (a *Actor) RecallString(key string) (string, bool) {
	v, ok := a.memory[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Forget removes key from memory.
func (a *Actor) Forget(key string) {
	delete(a.memory, key)
}

// Credential is the authentication header an actor sends with every call.
type Credential struct {
	Header string
	Value  string
}

// Credential returns the actor's credential. ok is false for an actor that
// is explicitly unauthenticated. An actor with no credential, or with both
// an API key and a bearer token, is a configuration error.
func (a *Actor) Credential() (cred Credential, ok bool, err error) {
	key, hasKey := a.RecallString(KeyAPIKey)
	header, hasHeader := a.RecallString(KeyAuthHeader)
	token, hasToken := a.RecallString(KeyBearerToken)
	_, unauth := a.memory[KeyUnauthenticated]

	forms := 0
	for _, has := range []bool{hasKey, hasToken, unauth} {
		if has {
			forms++
		}
	}
	switch {
	case forms == 0:
		return Credential{}, false, &core.ConfigurationError{Actor: a.name, Reason: "no credential bootstrapped"}
	case forms > 1:
		return Credential{}, false, &core.ConfigurationError{Actor: a.name, Reason: "more than one credential form"}
	case unauth:
		return Credential{}, false, nil
	case hasToken:
		return Credential{Header: "Authorization", Value: "Bearer " + token}, true, nil
	case !hasHeader || header == "":
		return Credential{}, false, &core.ConfigurationError{Actor: a.name, Reason: "api key without an auth header"}
	default:
		return Credential{Header: header, Value: key}, true, nil
	}
}

// Client returns the actor's API client with its credential attached.
func (a *Actor) Client() (*apihttp.Client, error) {
	api, err := a.API()
	if err != nil {
		return nil, err
	}
	cred, ok, err := a.Credential()
	if err != nil {
		return nil, err
	}
	if !ok {
		return api.Client, nil
	}
	return api.Client.WithHeader(cred.Header, cred.Value), nil
}

// Call sends req through the actor's API ability with its credential.
func (a *Actor) Call(ctx context.Context, req apihttp.Request) (*apihttp.Response, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}
	return client.Do(ctx, req)
}

// AwaitEvent waits for the webhook event correlated with id on the actor's
// listener. A nil match accepts any event.
func (a *Actor) AwaitEvent(ctx context.Context, id string, match webhook.Matcher) (webhook.Event, error) {
	ev, ok := a.Events()
	if !ok {
		return webhook.Event{}, &core.ConfigurationError{Actor: a.name, Reason: "actor cannot listen to events"}
	}
	return ev.Correlator.AwaitMatch(ctx, a.name, id, ev.Timeout, match)
}

// Fork returns an independent instance of the actor for one concurrent
// iteration. Abilities are shared; memory is copied.
func (a *Actor) Fork(instance string) *Actor {
	f := &Actor{
		name:      a.name,
		instance:  instance,
		abilities: make(map[AbilityKind]Ability, len(a.abilities)),
		memory:    make(map[string]any, len(a.memory)),
	}
	for k, v := range a.abilities {
		f.abilities[k] = v
	}
	for k, v := range a.memory {
		f.memory[k] = v
	}
	return f
}
