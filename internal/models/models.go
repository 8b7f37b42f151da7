package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventTypeOrderCreated tags outbox entries written when an order is admitted
const EventTypeOrderCreated = "ORDER_CREATED"

// Order represents a customer order
type Order struct {
	OrderID        string    `gorm:"column:order_id;primaryKey" json:"orderId"`
	ItemName       string    `gorm:"column:item_name;not null;index:idx_item_name" json:"itemName"`
	Quantity       int       `gorm:"not null;default:0;check:quantity >= 0" json:"quantity"`
	IdempotencyKey string    `gorm:"column:idempotency_key;not null;uniqueIndex" json:"idempotencyKey"`
	Version        int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"-"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName overrides the default table name
func (Order) TableName() string {
	return "orders"
}

// OutboxEvent is a durable record of a side effect that still has to be
// delivered. It is written in the same transaction as the order it describes.
type OutboxEvent struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AggregateID string     `gorm:"column:aggregate_id;not null;index" json:"aggregate_id"`
	EventType   string     `gorm:"column:event_type;not null" json:"event_type"`
	Payload     []byte     `gorm:"type:jsonb;not null" json:"payload"`
	Processed   bool       `gorm:"not null;default:false;index" json:"processed"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// TableName overrides the default table name
func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// OrderCreatedEvent is the payload stored for EventTypeOrderCreated
type OrderCreatedEvent struct {
	OrderID        string `json:"orderId"`
	ItemName       string `json:"itemName,omitempty"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// NewOrderCreatedEvent builds the creation payload for an order
func NewOrderCreatedEvent(order *Order) OrderCreatedEvent {
	return OrderCreatedEvent{
		OrderID:        order.OrderID,
		ItemName:       order.ItemName,
		Quantity:       order.Quantity,
		IdempotencyKey: order.IdempotencyKey,
	}
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Order{},
		&OutboxEvent{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
