package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter_Admit(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	l := NewRedisLimiter(client, Config{MaxRequests: 3, Window: time.Minute})

	for i := 1; i <= 3; i++ {
		d, err := l.Admit(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, 3-i, d.Remaining)
	}

	d, err := l.Admit(ctx, "10.0.0.1")
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	assert.False(t, d.Allowed)
	assert.True(t, d.RetryAfter > 0 && d.RetryAfter <= time.Minute)

	assert.True(t, mr.Exists(keyPrefix+"10.0.0.1"))
	assert.True(t, mr.TTL(keyPrefix+"10.0.0.1") > 0)
}

func TestRedisLimiter_WindowExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	l := NewRedisLimiter(client, Config{MaxRequests: 1, Window: time.Minute})

	_, err := l.Admit(ctx, "client")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "client")
	require.Error(t, err)

	mr.FastForward(time.Minute + time.Second)

	_, err = l.Admit(ctx, "client")
	assert.NoError(t, err)
}

func TestRedisLimiter_CounterWithoutTTLIsRepaired(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	require.NoError(t, mr.Set(keyPrefix+"stuck", "10"))

	l := NewRedisLimiter(client, Config{MaxRequests: 5, Window: time.Minute})
	_, err := l.Admit(ctx, "stuck")
	require.Error(t, err)
	assert.True(t, mr.TTL(keyPrefix+"stuck") > 0)
}

func TestRedisLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	require.NoError(t, mr.Set("unrelated", "x"))
	l := NewRedisLimiter(client, Config{MaxRequests: 1, Window: time.Minute})

	_, _ = l.Admit(ctx, "a")
	_, _ = l.Admit(ctx, "b")

	require.NoError(t, l.Reset(ctx))
	assert.False(t, mr.Exists(keyPrefix+"a"))
	assert.False(t, mr.Exists(keyPrefix+"b"))
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedisLimiter_ErrorWhenRedisDown(t *testing.T) {
	mr, client := setupRedis(t)
	mr.Close()

	l := NewRedisLimiter(client, Config{})
	_, err := l.Admit(context.Background(), "a")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrRateLimitExceeded))
}
