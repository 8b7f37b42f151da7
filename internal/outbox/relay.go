// Package outbox relays committed outbox events onto the in-process bus.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/orders/internal/events"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/repositories"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoDecoder is returned for an event type nothing knows how to decode
	ErrNoDecoder = errors.New("no decoder registered for event type")
	// ErrMalformedPayload is returned when a payload cannot be decoded
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Decoder turns a stored payload into the domain event published on the bus
type Decoder func(payload []byte) (interface{}, error)

// DecodeOrderCreated decodes an ORDER_CREATED payload
func DecodeOrderCreated(payload []byte) (interface{}, error) {
	var event models.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	if event.OrderID == "" {
		return nil, errors.Wrap(ErrMalformedPayload, "orderId is empty")
	}
	return event, nil
}

// Config holds relay settings
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// RelayResult summarises one pass over the outbox
type RelayResult struct {
	Fetched   int
	Published int
	Failed    int
}

// Relay publishes unprocessed outbox events and marks them processed.
//
// Publishing and marking are two separate steps: a crash or a failed mark
// after a successful publish leaves the event unprocessed, and the next pass
// publishes it again. Delivery is therefore at-least-once and subscribers
// must be idempotent.
type Relay struct {
	store     repositories.OutboxStore
	publisher events.Publisher
	decoders  map[string]Decoder
	cfg       Config
	metrics   metrics.Recorder
}

// NewRelay creates a relay with the ORDER_CREATED decoder registered
func NewRelay(store repositories.OutboxStore, publisher events.Publisher, cfg Config, recorder metrics.Recorder) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	r := &Relay{
		store:     store,
		publisher: publisher,
		decoders:  make(map[string]Decoder),
		cfg:       cfg,
		metrics:   recorder,
	}
	r.RegisterDecoder(models.EventTypeOrderCreated, DecodeOrderCreated)
	return r
}

// RegisterDecoder sets the decoder for eventType. Not safe to call once Run
// has started.
func (r *Relay) RegisterDecoder(eventType string, decoder Decoder) {
	r.decoders[eventType] = decoder
}

// ProcessOutbox makes one pass over up to BatchSize unprocessed events. A
// failing event is logged and left for the next pass; it never stops the rest
// of the batch. The returned error is only set when the batch could not be
// fetched.
func (r *Relay) ProcessOutbox(ctx context.Context) (RelayResult, error) {
	start := time.Now()
	defer func() { r.metrics.RecordTimer(metrics.OutboxBatchTimer, time.Since(start)) }()

	pending, err := r.store.GetUnprocessed(ctx, r.cfg.BatchSize)
	if err != nil {
		return RelayResult{}, errors.Wrap(err, "failed to fetch outbox events")
	}

	result := RelayResult{Fetched: len(pending)}
	for i := range pending {
		if ctx.Err() != nil {
			break
		}

		event := pending[i]
		logger := log.With().
			Str("event_id", event.ID.String()).
			Str("event_type", event.EventType).
			Str("order_id", event.AggregateID).
			Logger()

		if err := r.relay(ctx, &event); err != nil {
			result.Failed++
			r.metrics.IncrementCounter(metrics.OutboxFailed)
			logger.Error().Err(err).Msg("Failed to relay outbox event, will retry next cycle")
			continue
		}

		result.Published++
		r.metrics.IncrementCounter(metrics.OutboxPublished)
		logger.Debug().Msg("Relayed outbox event")
	}

	if result.Fetched > 0 {
		log.Info().
			Int("fetched", result.Fetched).
			Int("published", result.Published).
			Int("failed", result.Failed).
			Msg("Outbox pass complete")
	}

	return result, nil
}

func (r *Relay) relay(ctx context.Context, event *models.OutboxEvent) error {
	decode, ok := r.decoders[event.EventType]
	if !ok {
		return errors.Wrapf(ErrNoDecoder, "event type %s", event.EventType)
	}

	payload, err := decode(event.Payload)
	if err != nil {
		return err
	}

	err = r.publisher.Publish(ctx, events.Event{
		ID:          event.ID.String(),
		Type:        event.EventType,
		AggregateID: event.AggregateID,
		Payload:     payload,
		OccurredAt:  event.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish")
	}

	if err := r.store.MarkAsProcessed(ctx, event.ID); err != nil {
		return errors.Wrap(err, "published but not marked processed")
	}

	return nil
}

// Run schedules ProcessOutbox every Interval, starting immediately, and blocks
// until ctx is done. A pass still running when the next tick is due causes
// that tick to be skipped.
func (r *Relay) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create outbox scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := r.ProcessOutbox(ctx); err != nil {
				log.Error().Err(err).Msg("Outbox pass failed")
			}
		}),
		gocron.WithName("outbox-relay"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule outbox relay")
	}

	log.Info().Dur("interval", r.cfg.Interval).Int("batch_size", r.cfg.BatchSize).Msg("Starting outbox relay")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
