package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/orders/internal/workerpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rejectingPool struct{}

func (rejectingPool) Submit(context.Context, workerpool.Task) error {
	return workerpool.ErrQueueFull
}

func TestBus_FansOutToAllSubscribers(t *testing.T) {
	pool := workerpool.New(workerpool.Config{CoreWorkers: 2, MaxWorkers: 2, QueueCapacity: 10})
	bus := NewBus(pool)

	var mu sync.Mutex
	seen := map[string]string{}
	record := func(name string) Handler {
		return func(ctx context.Context, event Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen[name] = event.AggregateID
			return nil
		}
	}

	require.NoError(t, bus.Subscribe("ORDER_CREATED", "inventory", record("inventory")))
	require.NoError(t, bus.Subscribe("ORDER_CREATED", "search", record("search")))
	require.NoError(t, bus.Subscribe("OTHER", "other", record("other")))

	require.NoError(t, bus.Publish(context.Background(), Event{ID: "e-1", Type: "ORDER_CREATED", AggregateID: "ord-1", OccurredAt: time.Now()}))
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, map[string]string{"inventory": "ord-1", "search": "ord-1"}, seen)
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus(rejectingPool{})

	err := bus.Publish(context.Background(), Event{Type: "ORDER_CREATED"})
	assert.True(t, errors.Is(err, ErrNoSubscribers))

	assert.Equal(t, ErrHandlerRequired, bus.Subscribe("ORDER_CREATED", "nil", nil))
}

func TestBus_SurfacesBackpressure(t *testing.T) {
	bus := NewBus(rejectingPool{})
	require.NoError(t, bus.Subscribe("ORDER_CREATED", "inventory", func(context.Context, Event) error { return nil }))

	err := bus.Publish(context.Background(), Event{Type: "ORDER_CREATED"})
	assert.True(t, errors.Is(err, workerpool.ErrQueueFull))
}
