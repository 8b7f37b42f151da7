package repositories

import (
	"context"

	"example.com/backstage/services/orders/internal/models"
	"github.com/google/uuid"
)

// OrderStore persists orders. Create enforces uniqueness of both the order id
// and the idempotency key; Update is a conditional write on the version the
// caller read.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, orderID string) (*models.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	Update(ctx context.Context, order *models.Order) error
	List(ctx context.Context, page, size int) ([]models.Order, int64, error)
	FindByItemName(ctx context.Context, itemName string, page, size int) ([]models.Order, int64, error)
}

// OutboxStore persists pending side effects
type OutboxStore interface {
	Create(ctx context.Context, event *models.OutboxEvent) error
	GetUnprocessed(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkAsProcessed(ctx context.Context, id uuid.UUID) error
}

// UnitOfWork runs fn against stores bound to a single transaction.
// If fn returns an error nothing it wrote is kept.
type UnitOfWork interface {
	WithinTransaction(ctx context.Context, fn func(orders OrderStore, outbox OutboxStore) error) error
}

// offset converts a zero-based page into a row offset
func offset(page, size int) int {
	if page < 0 {
		page = 0
	}
	return page * size
}
