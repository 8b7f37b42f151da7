// Package notifications sends customer-facing order notifications.
package notifications

import (
	"context"
	"time"

	"example.com/backstage/services/orders/internal/messaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Confirmer sends an order confirmation
type Confirmer interface {
	SendOrderConfirmation(ctx context.Context, orderID string) error
}

// OrderConfirmation is the message published for a confirmed order
type OrderConfirmation struct {
	OrderID     string    `json:"orderId"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// ConfirmationSender publishes confirmations to the confirmation queue. With
// no sender configured confirmations are only logged.
type ConfirmationSender struct {
	sender messaging.Sender
}

// NewConfirmationSender creates a sender; sender may be nil
func NewConfirmationSender(sender messaging.Sender) *ConfirmationSender {
	return &ConfirmationSender{sender: sender}
}

// SendOrderConfirmation publishes the confirmation for orderID
func (s *ConfirmationSender) SendOrderConfirmation(ctx context.Context, orderID string) error {
	if s.sender == nil {
		log.Info().Str("order_id", orderID).Msg("Order confirmation queue not configured, skipping send")
		return nil
	}

	msg := OrderConfirmation{OrderID: orderID, ConfirmedAt: time.Now().UTC()}
	if err := s.sender.SendMessage(ctx, "confirm-"+orderID, msg); err != nil {
		return errors.Wrap(err, "failed to send order confirmation")
	}

	log.Info().Str("order_id", orderID).Msg("Order confirmation sent")
	return nil
}

var _ Confirmer = (*ConfirmationSender)(nil)
