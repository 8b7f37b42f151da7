package search

import (
	"context"

	"example.com/backstage/services/orders/internal/events"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Indexer stores order documents
type Indexer interface {
	IndexOrder(ctx context.Context, doc OrderDocument) error
}

// Projector keeps the search index in step with created orders
type Projector struct {
	indexer Indexer
	metrics metrics.Recorder
}

// NewProjector creates a projector writing to indexer
func NewProjector(indexer Indexer, recorder metrics.Recorder) *Projector {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Projector{indexer: indexer, metrics: recorder}
}

// Subscribe registers the projector for ORDER_CREATED events
func (p *Projector) Subscribe(bus *events.Bus) error {
	return bus.Subscribe(models.EventTypeOrderCreated, "search", p.HandleOrderCreated)
}

// HandleOrderCreated indexes the created order
func (p *Projector) HandleOrderCreated(ctx context.Context, event events.Event) error {
	var created models.OrderCreatedEvent
	switch payload := event.Payload.(type) {
	case models.OrderCreatedEvent:
		created = payload
	case *models.OrderCreatedEvent:
		if payload == nil {
			return errors.Errorf("event %s has a nil payload", event.ID)
		}
		created = *payload
	default:
		return errors.Errorf("event %s has unexpected payload %T", event.ID, event.Payload)
	}

	if err := p.indexer.IndexOrder(ctx, NewOrderDocument(created)); err != nil {
		p.metrics.IncrementCounter(metrics.SearchIndexFailures)
		log.Error().Err(err).Str("order_id", created.OrderID).Msg("Failed to index order")
		return err
	}

	p.metrics.IncrementCounter(metrics.SearchIndexed)
	return nil
}
