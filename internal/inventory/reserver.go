// Package inventory talks to the downstream inventory system.
package inventory

import (
	"context"
	"time"

	"example.com/backstage/services/orders/internal/messaging"
	"example.com/backstage/services/orders/internal/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrMissingOrderID is returned for a reservation without an order id
var ErrMissingOrderID = errors.New("order id is required")

// StockReserver reserves stock for an order. Implementations may fail
// transiently; callers own retrying.
type StockReserver interface {
	ReserveStock(ctx context.Context, orderID string) error
}

// ReservationRequest is the command sent to the inventory queue
type ReservationRequest struct {
	OrderID     string    `json:"orderId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ServiceBusReserver sends reservation commands to the inventory queue
type ServiceBusReserver struct {
	sender messaging.Sender
}

// NewServiceBusReserver creates a reserver on sender
func NewServiceBusReserver(sender messaging.Sender) *ServiceBusReserver {
	return &ServiceBusReserver{sender: sender}
}

// ReserveStock sends one reservation command. Resends for the same order
// carry the same message id.
func (r *ServiceBusReserver) ReserveStock(ctx context.Context, orderID string) error {
	if orderID == "" {
		return retry.Permanent(ErrMissingOrderID)
	}

	req := ReservationRequest{OrderID: orderID, RequestedAt: time.Now().UTC()}
	if err := r.sender.SendMessage(ctx, ReservationMessageID(orderID), req); err != nil {
		return errors.Wrap(err, "failed to request stock reservation")
	}

	log.Debug().Str("order_id", orderID).Msg("Stock reservation requested")
	return nil
}

// ReservationMessageID is the broker message id for an order's reservation
func ReservationMessageID(orderID string) string {
	return "reserve-" + orderID
}

var _ StockReserver = (*ServiceBusReserver)(nil)
