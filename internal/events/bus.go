// Package events is the in-process publish/subscribe channel between the
// outbox relay and its consumers.
package events

import (
	"context"
	"sync"
	"time"

	"example.com/backstage/services/orders/internal/workerpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoSubscribers is returned when an event type has no handlers
	ErrNoSubscribers = errors.New("no subscribers for event type")
	// ErrHandlerRequired is returned when subscribing a nil handler
	ErrHandlerRequired = errors.New("event handler is required")
)

// Event is a decoded domain event
type Event struct {
	ID          string
	Type        string
	AggregateID string
	Payload     interface{}
	OccurredAt  time.Time
}

// Handler consumes one event. Errors are logged by the bus; redelivery is
// the publisher's concern.
type Handler func(ctx context.Context, event Event) error

// Submitter accepts work for asynchronous execution
type Submitter interface {
	Submit(ctx context.Context, task workerpool.Task) error
}

// Publisher hands events to subscribers
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus fans each published event out to every handler subscribed to its type.
// Handlers run on the submitter, never on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	pool     Submitter
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewBus creates a bus dispatching onto pool
func NewBus(pool Submitter) *Bus {
	return &Bus{
		handlers: make(map[string][]namedHandler),
		pool:     pool,
	}
}

// Subscribe registers fn for eventType under a name used in logs
func (b *Bus) Subscribe(eventType, name string, fn Handler) error {
	if fn == nil {
		return ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{name: name, fn: fn})

	log.Info().Str("event_type", eventType).Str("handler", name).Msg("Subscribed event handler")
	return nil
}

// Publish submits one task per subscriber. It returns once the tasks are
// queued; an error means at least one subscriber never received the event.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := append([]namedHandler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return errors.Wrapf(ErrNoSubscribers, "event type %s", event.Type)
	}

	for _, h := range handlers {
		h := h
		err := b.pool.Submit(ctx, func(taskCtx context.Context) {
			if err := h.fn(taskCtx, event); err != nil {
				log.Error().Err(err).
					Str("handler", h.name).
					Str("event_id", event.ID).
					Str("event_type", event.Type).
					Str("aggregate_id", event.AggregateID).
					Msg("Event handler failed")
			}
		})
		if err != nil {
			return errors.Wrapf(err, "failed to dispatch %s to %s", event.Type, h.name)
		}
	}

	return nil
}

var _ Publisher = (*Bus)(nil)
