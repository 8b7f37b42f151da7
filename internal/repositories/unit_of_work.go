package repositories

import (
	"context"

	"gorm.io/gorm"
)

// GormUnitOfWork runs order and outbox writes in one database transaction
type GormUnitOfWork struct {
	db *gorm.DB
}

// NewGormUnitOfWork creates a unit of work on the write database
func NewGormUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{db: db}
}

// WithinTransaction commits when fn returns nil and rolls back otherwise
func (u *GormUnitOfWork) WithinTransaction(ctx context.Context, fn func(orders OrderStore, outbox OutboxStore) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewOrderRepository(tx, tx), NewOutboxRepository(tx))
	})
}

var (
	_ OrderStore  = (*OrderRepository)(nil)
	_ OutboxStore = (*OutboxRepository)(nil)
	_ UnitOfWork  = (*GormUnitOfWork)(nil)
)
