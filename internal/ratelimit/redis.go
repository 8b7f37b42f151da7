package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const (
	keyPrefix     = "ratelimit:"
	scanBatchSize = 100
)

// fixedWindowScript increments the counter and starts the window on the first
// hit. A counter left without a TTL is given one so it cannot block forever.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter is a fixed window limiter shared by all API instances using
// the same Redis.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg.withDefaults()}
}

// Admit counts the request against clientKey's current window
func (l *RedisLimiter) Admit(ctx context.Context, clientKey string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{keyPrefix + clientKey}, l.cfg.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, errors.Wrap(err, "redis rate limit script")
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, errors.Errorf("unexpected rate limit script result %v", res)
	}
	count, ok1 := values[0].(int64)
	ttl, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return Decision{}, errors.Errorf("unexpected rate limit script result %v", res)
	}

	return decide(l.cfg, int(count), time.Duration(ttl)*time.Millisecond)
}

// Reset clears all rate limit keys
func (l *RedisLimiter) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, keyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return errors.Wrap(err, "redis scan")
		}

		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, "redis batch delete")
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

var (
	_ Limiter  = (*RedisLimiter)(nil)
	_ Resetter = (*RedisLimiter)(nil)
)
