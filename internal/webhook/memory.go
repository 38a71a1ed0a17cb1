package webhook

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is a process-local Store with time-based retention.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates a store that forgets an event retention after its
// delivery. A non-positive retention keeps events until Close.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
	}
	cleanup := retention
	if cleanup > time.Minute {
		cleanup = time.Minute
	}
	return &MemoryStore{cache: cache.New(retention, cleanup)}
}

func (s *MemoryStore) Put(_ context.Context, key Key, ev Event) error {
	s.cache.SetDefault(key.String(), ev)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Event, bool, error) {
	v, ok := s.cache.Get(key.String())
	if !ok {
		return Event{}, false, nil
	}
	return v.(Event), true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.cache.Delete(key.String())
	return nil
}

// Len returns the number of stored events, including expired ones not yet
// cleaned up.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
