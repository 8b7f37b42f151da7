package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/orders/internal/api"
	"example.com/backstage/services/orders/internal/api/handlers"
	"example.com/backstage/services/orders/internal/breaker"
	"example.com/backstage/services/orders/internal/consumer"
	"example.com/backstage/services/orders/internal/dedup"
	"example.com/backstage/services/orders/internal/events"
	"example.com/backstage/services/orders/internal/inventory"
	"example.com/backstage/services/orders/internal/messaging"
	"example.com/backstage/services/orders/internal/notifications"
	"example.com/backstage/services/orders/internal/outbox"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/retry"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/workerpool"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	drainTimeout  = 30 * time.Second
	messageSource = "orders-service"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that relays the outbox and reserves inventory for created orders`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	reserver, confirmer, closeDownstream, err := newDownstream(a)
	if err != nil {
		return err
	}
	defer closeDownstream()

	pool := workerpool.New(workerpool.Config{
		CoreWorkers:   cfg.Consumer.CoreWorkers,
		MaxWorkers:    cfg.Consumer.MaxWorkers,
		QueueCapacity: cfg.Consumer.QueueCapacity,
		SubmitTimeout: cfg.Consumer.SubmitTimeout,
		IdleTimeout:   cfg.Consumer.IdleTimeout,
	})
	bus := events.NewBus(pool)

	cb := breaker.New(breaker.Config{
		Name:                "inventory",
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
	}, a.metrics)

	inventoryConsumer := consumer.NewInventoryConsumer(
		reserver,
		confirmer,
		newProcessedSet(a),
		cb,
		retry.Policy{
			MaxAttempts: cfg.Consumer.MaxAttempts,
			Delay:       cfg.Consumer.RetryDelay,
			Multiplier:  cfg.Consumer.RetryMultiplier,
		},
		a.metrics,
	)
	if err := inventoryConsumer.Subscribe(bus); err != nil {
		return errors.Wrap(err, "failed to subscribe inventory consumer")
	}

	if es := a.searchClient(); es != nil {
		if err := search.NewProjector(es, a.metrics).Subscribe(bus); err != nil {
			return errors.Wrap(err, "failed to subscribe search projector")
		}
	}

	relay := outbox.NewRelay(
		repositories.NewOutboxRepository(a.db.Write),
		bus,
		outbox.Config{Interval: cfg.Outbox.Interval, BatchSize: cfg.Outbox.BatchSize},
		a.metrics,
	)

	admin := api.NewServer("admin", cfg.Worker.AdminAddress, cfg.Server.Timeout, a.tracer.Application(),
		handlers.NewAdminHandler(cb, pool.QueueLength),
		handlers.NewMetricsHandler(a.metrics, a.healthChecks()),
	)

	g.Go(func() error {
		return relay.Run(ctx)
	})

	g.Go(admin.Start)

	g.Go(func() error {
		<-ctx.Done()
		if err := admin.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Admin server shutdown error")
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		log.Info().Int("pending", pool.QueueLength()).Msg("Draining consumer pool")
		return pool.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// newDownstream builds the inventory reserver and the confirmation sender.
// Without a Service Bus connection string the development environment falls
// back to an in-process reserver that always succeeds.
func newDownstream(a *app) (inventory.StockReserver, notifications.Confirmer, func(), error) {
	cfg := a.cfg.Azure
	if cfg.ConnectionString == "" {
		if a.cfg.Environment != "development" {
			return nil, nil, nil, errors.New("azure.connection_string is required outside development")
		}
		log.Warn().Msg("No Service Bus connection string, using in-process inventory reserver")
		return inventory.NewScriptedReserver(), notifications.NewConfirmationSender(nil), func() {}, nil
	}

	client, err := messaging.NewServiceBusClient(cfg.ConnectionString)
	if err != nil {
		return nil, nil, nil, err
	}

	var senders []messaging.Sender
	closeAll := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range senders {
			if err := s.Close(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to close Service Bus sender")
			}
		}
		if err := client.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close Service Bus client")
		}
	}

	inventorySender, err := messaging.NewServiceBusSender(client, cfg.InventoryQueue, messageSource)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	senders = append(senders, inventorySender)
	reserver := inventory.NewServiceBusReserver(inventorySender)

	if cfg.ConfirmationQueue == "" {
		return reserver, notifications.NewConfirmationSender(nil), closeAll, nil
	}

	confirmationSender, err := messaging.NewServiceBusSender(client, cfg.ConfirmationQueue, messageSource)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	senders = append(senders, confirmationSender)

	return reserver, notifications.NewConfirmationSender(confirmationSender), closeAll, nil
}

// newProcessedSet picks the processed-order store. Redis keeps the set across
// worker restarts and shares it between worker replicas.
func newProcessedSet(a *app) dedup.ProcessedKeySet {
	if a.cfg.Dedup.Backend == "redis" {
		if a.redis != nil {
			return dedup.NewRedisSet(a.redis, "", a.cfg.Dedup.TTL)
		}
		log.Warn().Msg("Redis dedup requested but Redis is unavailable, tracking processed orders in memory")
	}
	return dedup.NewMemorySet(a.cfg.Dedup.Capacity, a.cfg.Dedup.TTL)
}
