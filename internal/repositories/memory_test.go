package repositories

import (
	"context"
	"testing"

	"example.com/backstage/services/orders/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newOrder(id, key string) *models.Order {
	return &models.Order{OrderID: id, ItemName: "Book", Quantity: 2, IdempotencyKey: key}
}

func TestMemoryStore_CreateEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	orders := NewMemoryStore().Orders()

	require.NoError(t, orders.Create(ctx, newOrder("ord-1", "key-1")))

	err := orders.Create(ctx, newOrder("ord-1", "key-2"))
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	err = orders.Create(ctx, newOrder("ord-2", "key-1"))
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	got, err := orders.GetByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", got.OrderID)

	_, err = orders.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_UpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	orders := NewMemoryStore().Orders()
	require.NoError(t, orders.Create(ctx, newOrder("ord-1", "key-1")))

	first, err := orders.GetByID(ctx, "ord-1")
	require.NoError(t, err)
	stale, err := orders.GetByID(ctx, "ord-1")
	require.NoError(t, err)

	first.Quantity = 5
	require.NoError(t, orders.Update(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	stale.Quantity = 7
	err = orders.Update(ctx, stale)
	assert.True(t, errors.Is(err, ErrOptimisticConflict))

	current, err := orders.GetByID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 5, current.Quantity)
	assert.Equal(t, "key-1", current.IdempotencyKey)
}

func TestMemoryStore_TransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	boom := errors.New("boom")
	err := store.WithinTransaction(ctx, func(orders OrderStore, outbox OutboxStore) error {
		require.NoError(t, orders.Create(ctx, newOrder("ord-1", "key-1")))
		require.NoError(t, outbox.Create(ctx, &models.OutboxEvent{AggregateID: "ord-1", EventType: models.EventTypeOrderCreated}))
		return boom
	})
	assert.Equal(t, boom, err)

	_, err = store.Orders().GetByID(ctx, "ord-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, store.Events())

	err = store.WithinTransaction(ctx, func(orders OrderStore, outbox OutboxStore) error {
		if err := orders.Create(ctx, newOrder("ord-1", "key-1")); err != nil {
			return err
		}
		return outbox.Create(ctx, &models.OutboxEvent{AggregateID: "ord-1", EventType: models.EventTypeOrderCreated})
	})
	require.NoError(t, err)
	assert.Len(t, store.Events(), 1)
}

func TestMemoryStore_MarkAsProcessedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	outbox := store.Outbox()

	first := &models.OutboxEvent{AggregateID: "ord-1", EventType: models.EventTypeOrderCreated}
	second := &models.OutboxEvent{AggregateID: "ord-2", EventType: models.EventTypeOrderCreated}
	require.NoError(t, outbox.Create(ctx, first))
	require.NoError(t, outbox.Create(ctx, second))

	require.NoError(t, outbox.MarkAsProcessed(ctx, first.ID))
	require.NoError(t, outbox.MarkAsProcessed(ctx, first.ID))

	pending, err := outbox.GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	err = outbox.MarkAsProcessed(ctx, uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))

	events := store.Events()
	require.NotNil(t, events[0].ProcessedAt)
	assert.True(t, events[0].Processed)
}

func TestMemoryStore_FindByItemNamePages(t *testing.T) {
	ctx := context.Background()
	orders := NewMemoryStore().Orders()
	require.NoError(t, orders.Create(ctx, &models.Order{OrderID: "a", ItemName: "Book", IdempotencyKey: "k-a"}))
	require.NoError(t, orders.Create(ctx, &models.Order{OrderID: "b", ItemName: "Pen", IdempotencyKey: "k-b"}))
	require.NoError(t, orders.Create(ctx, &models.Order{OrderID: "c", ItemName: "Book", IdempotencyKey: "k-c"}))

	page, total, err := orders.FindByItemName(ctx, "Book", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, page, 1)

	page, total, err = orders.List(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Empty(t, page)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(errors.Wrap(gorm.ErrDuplicatedKey, "insert")))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isUniqueViolation(errors.New("other")))
}
