package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "stagehand:webhook:"

// RedisStore keeps events in Redis so several harness processes can share
// one listener.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, retention time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, retention: retention}, nil
}

func (s *RedisStore) redisKey(key Key) string {
	return redisKeyPrefix + key.String()
}

func (s *RedisStore) Put(ctx context.Context, key Key, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return s.client.Set(ctx, s.redisKey(key), data, s.retention).Err()
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Event, bool, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false, fmt.Errorf("decoding event for %s: %w", key, err)
	}
	return ev, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
