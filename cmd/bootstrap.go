package cmd

import (
	"context"
	"os"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/api/handlers"
	"example.com/backstage/services/orders/internal/cache"
	"example.com/backstage/services/orders/internal/database"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app holds the dependencies shared by every command
type app struct {
	cfg     config.Config
	db      *database.Connections
	redis   *redis.Client
	tracer  *tracing.NewRelicTracer
	metrics *metrics.Metrics
}

func configureLogging(cfg config.Config) {
	if cfg.Logging.Format == "console" || cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// LOG_LEVEL set in main wins over the config file
	if os.Getenv("LOG_LEVEL") != "" {
		return
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Logging.Level).Msg("Unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(level)
}

// bootstrap loads configuration and connects to the database, Redis and New
// Relic. Redis and New Relic are optional; failures there are logged and the
// command continues without them.
func bootstrap() (*app, error) {
	cfg, err := config.LoadConfig(".", configFile)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg)

	a := &app{cfg: cfg, metrics: metrics.NewMetrics()}

	a.db, err = database.Open(cfg.DB, a.metrics)
	if err != nil {
		return nil, err
	}

	a.redis, err = cache.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis, continuing without it")
		a.redis = nil
	}

	a.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		a.tracer = tracing.Disabled()
	}

	return a, nil
}

// searchClient returns the Elasticsearch client, nil when search is disabled
// or unavailable
func (a *app) searchClient() *search.ElasticClient {
	if !a.cfg.Elastic.Enabled {
		return nil
	}
	client, err := search.NewElasticClient(a.cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search")
		return nil
	}
	return client
}

func (a *app) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"database": a.db.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

func (a *app) close() {
	a.tracer.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}
