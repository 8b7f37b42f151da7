package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySet_AddIsOncePerKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySet(10, time.Hour)

	added, err := s.Add(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, "ord-1")
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, s.Remove(ctx, "ord-1"))
	added, _ = s.Add(ctx, "ord-1")
	assert.True(t, added)
}

func TestMemorySet_ConcurrentAddsForSameKey(t *testing.T) {
	s := NewMemorySet(100, time.Hour)
	var wins int32

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if added, _ := s.Add(context.Background(), "ord-1"); added {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestMemorySet_EvictsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySet(2, 0)

	for _, k := range []string{"a", "b", "c"} {
		added, _ := s.Add(ctx, k)
		require.True(t, added)
	}
	assert.Equal(t, 2, s.Len())

	added, _ := s.Add(ctx, "a")
	assert.True(t, added, "a was evicted and can be added again")
	added, _ = s.Add(ctx, "c")
	assert.False(t, added)
}

func TestMemorySet_KeysExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemorySet(10, time.Minute)
	s.now = func() time.Time { return now }

	added, _ := s.Add(ctx, "ord-1")
	require.True(t, added)

	now = now.Add(30 * time.Second)
	added, _ = s.Add(ctx, "ord-1")
	assert.False(t, added)

	now = now.Add(time.Minute)
	added, _ = s.Add(ctx, "ord-1")
	assert.True(t, added)
	assert.Equal(t, 1, s.Len())
}

func TestRedisSet(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisSet(client, "", time.Hour)

	added, err := s.Add(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, mr.Exists("orders:processed:ord-1"))

	added, err = s.Add(ctx, "ord-1")
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, s.Remove(ctx, "ord-1"))
	added, err = s.Add(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, added)

	mr.FastForward(2 * time.Hour)
	added, err = s.Add(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, added)
}
