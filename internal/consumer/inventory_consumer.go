// Package consumer applies the downstream effects of relayed order events.
package consumer

import (
	"context"

	"example.com/backstage/services/orders/internal/breaker"
	"example.com/backstage/services/orders/internal/dedup"
	"example.com/backstage/services/orders/internal/events"
	"example.com/backstage/services/orders/internal/inventory"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/notifications"
	"example.com/backstage/services/orders/internal/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrEffectFailed is returned when stock could not be reserved after all retries
var ErrEffectFailed = errors.New("inventory reservation failed")

// InventoryConsumer reserves stock once per order. Redeliveries of an order
// already reserved are dropped; while the breaker is open the reservation is
// skipped without calling inventory.
type InventoryConsumer struct {
	reserver  inventory.StockReserver
	confirmer notifications.Confirmer
	processed dedup.ProcessedKeySet
	breaker   *breaker.Breaker
	policy    retry.Policy
	metrics   metrics.Recorder
}

// NewInventoryConsumer wires a consumer. confirmer may be nil.
func NewInventoryConsumer(
	reserver inventory.StockReserver,
	confirmer notifications.Confirmer,
	processed dedup.ProcessedKeySet,
	cb *breaker.Breaker,
	policy retry.Policy,
	recorder metrics.Recorder,
) *InventoryConsumer {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &InventoryConsumer{
		reserver:  reserver,
		confirmer: confirmer,
		processed: processed,
		breaker:   cb,
		policy:    policy,
		metrics:   recorder,
	}
}

// Subscribe registers the consumer for ORDER_CREATED events
func (c *InventoryConsumer) Subscribe(bus *events.Bus) error {
	return bus.Subscribe(models.EventTypeOrderCreated, "inventory", c.HandleOrderCreated)
}

// HandleOrderCreated reserves stock for the order in event.
//
// The order id is claimed in the processed set before anything else, which
// linearizes concurrent deliveries of the same order. The claim is released
// again when the reservation is skipped or fails, so a later redelivery is
// not mistaken for a duplicate.
func (c *InventoryConsumer) HandleOrderCreated(ctx context.Context, event events.Event) error {
	orderID := orderIDOf(event)
	if orderID == "" {
		return errors.Errorf("event %s carries no order id", event.ID)
	}
	logger := log.With().Str("order_id", orderID).Str("event_id", event.ID).Logger()
	logger.Info().Msg("Processing order created event")

	added, err := c.processed.Add(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "failed to check processed orders")
	}
	if !added {
		c.metrics.IncrementCounter(metrics.InventoryDuplicates)
		logger.Warn().Msg("Duplicate event detected, skipping")
		return nil
	}

	if c.breaker.IsOpen() {
		return c.skip(ctx, orderID, logger)
	}

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryPolicy(logger), func(ctx context.Context, attempt int) error {
			return c.reserver.ReserveStock(ctx, orderID)
		})
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return c.skip(ctx, orderID, logger)
	}
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		c.release(ctx, orderID, logger)
		logger.Warn().Err(err).Msg("Inventory call interrupted")
		return errors.Wrap(ctx.Err(), "inventory reservation interrupted")
	}
	if err != nil {
		c.metrics.IncrementCounter(metrics.InventoryFailures)
		c.release(ctx, orderID, logger)
		logger.Error().Err(err).
			Uint32("failure_count", c.breaker.ConsecutiveFailures()).
			Msg("Inventory failure")
		return errors.Wrap(ErrEffectFailed, err.Error())
	}

	c.metrics.IncrementCounter(metrics.InventoryReserved)
	logger.Info().Msg("Inventory reserved successfully")

	c.confirm(ctx, orderID, logger)
	return nil
}

func (c *InventoryConsumer) retryPolicy(logger zerolog.Logger) retry.Policy {
	p := c.policy
	p.OnRetry = func(attempt int, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Inventory call failed, retrying")
	}
	return p
}

func (c *InventoryConsumer) skip(ctx context.Context, orderID string, logger zerolog.Logger) error {
	c.metrics.IncrementCounter(metrics.InventoryCircuitSkip)
	c.release(ctx, orderID, logger)
	logger.Warn().Msg("Circuit is open, skipping inventory call")
	return breaker.ErrCircuitOpen
}

// release forgets orderID so the relay's redelivery retries the reservation.
// A reservation that failed after reaching inventory is then attempted again.
func (c *InventoryConsumer) release(ctx context.Context, orderID string, logger zerolog.Logger) {
	// The handler context may already be done; releasing must still happen
	if err := c.processed.Remove(context.WithoutCancel(ctx), orderID); err != nil {
		logger.Error().Err(err).Msg("Failed to release processed order key")
	}
}

// confirm sends the order confirmation. A failed confirmation does not undo
// the reservation.
func (c *InventoryConsumer) confirm(ctx context.Context, orderID string, logger zerolog.Logger) {
	if c.confirmer == nil {
		return
	}
	if err := c.confirmer.SendOrderConfirmation(ctx, orderID); err != nil {
		c.metrics.IncrementCounter(metrics.ConfirmationFailures)
		logger.Error().Err(err).Msg("Failed to send order confirmation")
	}
}

func orderIDOf(event events.Event) string {
	switch p := event.Payload.(type) {
	case models.OrderCreatedEvent:
		return p.OrderID
	case *models.OrderCreatedEvent:
		if p != nil {
			return p.OrderID
		}
	}
	return event.AggregateID
}
