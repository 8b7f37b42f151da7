package dedup

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisSet is a ProcessedKeySet shared by every worker pointed at the same
// Redis. Keys are written with SET NX and expire after ttl.
type RedisSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSet creates a Redis-backed set. Keys are stored under prefix.
func NewRedisSet(client *redis.Client, prefix string, ttl time.Duration) *RedisSet {
	if prefix == "" {
		prefix = "orders:processed:"
	}
	return &RedisSet{client: client, prefix: prefix, ttl: ttl}
}

// Add inserts key and reports whether it was absent
func (s *RedisSet) Add(ctx context.Context, key string) (bool, error) {
	added, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Unix(), s.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to record processed key")
	}
	return added, nil
}

// Remove forgets key
func (s *RedisSet) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "failed to release processed key")
	}
	return nil
}

var _ ProcessedKeySet = (*RedisSet)(nil)
