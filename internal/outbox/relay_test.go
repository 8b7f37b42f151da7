package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/orders/internal/events"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/repositories"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockPublisher is a mock implementation of events.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// recordingPublisher keeps every event it is given
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	fail   map[string]int // aggregate id -> remaining failures
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[event.AggregateID] > 0 {
		p.fail[event.AggregateID]--
		return errors.New("bus unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) aggregates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.AggregateID)
	}
	return out
}

// flakyMarkStore fails MarkAsProcessed a fixed number of times
type flakyMarkStore struct {
	repositories.OutboxStore
	failures int
}

func (s *flakyMarkStore) MarkAsProcessed(ctx context.Context, id uuid.UUID) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.OutboxStore.MarkAsProcessed(ctx, id)
}

func addOrderCreated(t *testing.T, store repositories.OutboxStore, orderID string) *models.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(models.OrderCreatedEvent{OrderID: orderID, ItemName: "Book", Quantity: 2})
	require.NoError(t, err)
	event := &models.OutboxEvent{AggregateID: orderID, EventType: models.EventTypeOrderCreated, Payload: payload}
	require.NoError(t, store.Create(context.Background(), event))
	return event
}

func TestRelay_PublishesAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	m := metrics.NewMetrics()
	created := addOrderCreated(t, store.Outbox(), "ord-1")

	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		payload, ok := e.Payload.(models.OrderCreatedEvent)
		return ok && e.ID == created.ID.String() && e.AggregateID == "ord-1" &&
			e.Type == models.EventTypeOrderCreated && payload.OrderID == "ord-1"
	})).Return(nil).Once()

	relay := NewRelay(store.Outbox(), publisher, Config{}, m)

	result, err := relay.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Fetched: 1, Published: 1}, result)
	assert.Equal(t, int64(1), m.Counter(metrics.OutboxPublished))

	result, err = relay.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{}, result)

	publisher.AssertExpectations(t)
	assert.True(t, store.Events()[0].Processed)
}

func TestRelay_MalformedEventDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()

	require.NoError(t, store.Outbox().Create(ctx, &models.OutboxEvent{
		AggregateID: "ord-bad", EventType: models.EventTypeOrderCreated, Payload: []byte("{not json"),
	}))
	require.NoError(t, store.Outbox().Create(ctx, &models.OutboxEvent{
		AggregateID: "ord-unknown", EventType: "ORDER_SHIPPED", Payload: []byte(`{}`),
	}))
	addOrderCreated(t, store.Outbox(), "ord-1")

	publisher := &recordingPublisher{}
	relay := NewRelay(store.Outbox(), publisher, Config{}, nil)

	result, err := relay.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Fetched: 3, Published: 1, Failed: 2}, result)
	assert.Equal(t, []string{"ord-1"}, publisher.aggregates())

	// Failures stay pending and are retried every pass
	pending, err := store.Outbox().GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	result, err = relay.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
}

func TestRelay_PublishFailureIsRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	addOrderCreated(t, store.Outbox(), "ord-1")

	publisher := &recordingPublisher{fail: map[string]int{"ord-1": 2}}
	relay := NewRelay(store.Outbox(), publisher, Config{}, nil)

	for i := 0; i < 2; i++ {
		result, err := relay.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
	}

	result, err := relay.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, []string{"ord-1"}, publisher.aggregates())

	pending, err := store.Outbox().GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelay_FailedMarkRepublishes(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	addOrderCreated(t, store.Outbox(), "ord-1")

	publisher := &recordingPublisher{}
	relay := NewRelay(&flakyMarkStore{OutboxStore: store.Outbox(), failures: 1}, publisher, Config{}, nil)

	result, err := relay.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	result, err = relay.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Published)

	assert.Equal(t, []string{"ord-1", "ord-1"}, publisher.aggregates())
}

func TestRelay_FetchErrorIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	relay := NewRelay(failingFetchStore{}, &recordingPublisher{}, Config{}, nil)
	_, err := relay.ProcessOutbox(ctx)
	assert.Error(t, err)
}

type failingFetchStore struct {
	repositories.OutboxStore
}

func (failingFetchStore) GetUnprocessed(context.Context, int) ([]models.OutboxEvent, error) {
	return nil, errors.New("database down")
}

func TestRelay_RunProcessesUntilCancelled(t *testing.T) {
	store := repositories.NewMemoryStore()
	addOrderCreated(t, store.Outbox(), "ord-1")

	publisher := &recordingPublisher{}
	relay := NewRelay(store.Outbox(), publisher, Config{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(publisher.aggregates()) == 1 }, 2*time.Second, 10*time.Millisecond)

	addOrderCreated(t, store.Outbox(), "ord-2")
	require.Eventually(t, func() bool { return len(publisher.aggregates()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestDecodeOrderCreated(t *testing.T) {
	decoded, err := DecodeOrderCreated([]byte(`{"orderId":"ord-1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.OrderCreatedEvent{OrderID: "ord-1"}, decoded)

	_, err = DecodeOrderCreated([]byte(`{"orderId":""}`))
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}
