// Package dedup remembers which messages the relay already republished so a
// broker redelivery can be acknowledged without publishing a duplicate.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces relayed message ids in Redis.
const KeyPrefix = "eventrelay:relayed:"

// DefaultTTL bounds how long a relayed id is remembered.
const DefaultTTL = 24 * time.Hour

// Store tracks relayed message ids.
type Store interface {
	// Seen reports whether id was marked before.
	Seen(ctx context.Context, id string) (bool, error)
	// Mark records id as relayed.
	Mark(ctx context.Context, id string) error
}

// RedisStore is a Store backed by Redis keys with a TTL.
type RedisStore struct {
	redis   *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewRedisStore creates a Redis-backed store. A nil client or enabled=false
// yields a store that never reports a duplicate.
func NewRedisStore(client *redis.Client, ttl time.Duration, enabled bool) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{redis: client, ttl: ttl, enabled: enabled}
}

// IsEnabled returns whether the store is enabled.
func (s *RedisStore) IsEnabled() bool {
	return s.enabled && s.redis != nil
}

// Seen reports whether id was already relayed.
func (s *RedisStore) Seen(ctx context.Context, id string) (bool, error) {
	if !s.IsEnabled() {
		return false, nil
	}

	_, err := s.redis.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check relayed id: %w", err)
	}
	return true, nil
}

// Mark records id with the store TTL. Marking twice keeps the first timestamp.
func (s *RedisStore) Mark(ctx context.Context, id string) error {
	if !s.IsEnabled() {
		return nil
	}

	if err := s.redis.SetNX(ctx, s.key(id), time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark relayed id: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if !s.IsEnabled() {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}

func (s *RedisStore) key(id string) string {
	return KeyPrefix + id
}

// Connect parses a redis:// URL and returns a client.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
