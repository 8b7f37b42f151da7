package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/orders/internal/api"
	"example.com/backstage/services/orders/internal/api/handlers"
	"example.com/backstage/services/orders/internal/api/middleware"
	"example.com/backstage/services/orders/internal/cache"
	"example.com/backstage/services/orders/internal/ratelimit"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server that admits orders and serves order lookups`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// A nil *ElasticClient must not reach the service as a non-nil Searcher
	var searcher services.Searcher
	if es := a.searchClient(); es != nil {
		searcher = es
	}

	orderService := services.NewOrderService(
		repositories.NewOrderRepository(a.db.Write, a.db.ReadOnly),
		repositories.NewGormUnitOfWork(a.db.Write),
		cache.NewRedisCache(a.redis),
		searcher,
		a.tracer,
		a.metrics,
		services.Config{
			MaxConflictRetries: cfg.Orders.MaxConflictRetries,
			CacheTTL:           cfg.Orders.CacheTTL,
		},
	)

	limiter := newLimiter(ctx, a)
	orderHandler := handlers.NewOrderHandler(orderService, a.tracer)

	routes := []api.Routes{
		api.RouteFunc(func(router gin.IRouter) {
			orderHandler.RegisterRoutes(router, middleware.RateLimit(limiter, a.metrics))
		}),
		handlers.NewMetricsHandler(a.metrics, a.healthChecks()),
	}
	if resetter, ok := limiter.(ratelimit.Resetter); ok {
		routes = append(routes, handlers.NewRateLimitHandler(resetter))
	}

	server := api.NewServer("api", cfg.Server.Address, cfg.Server.Timeout, a.tracer.Application(), routes...)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

// newLimiter picks the rate limiter backend. The Redis limiter is shared by
// all API instances; without Redis each instance limits on its own.
func newLimiter(ctx context.Context, a *app) ratelimit.Limiter {
	cfg := ratelimit.Config{
		MaxRequests: a.cfg.RateLimit.MaxRequests,
		Window:      a.cfg.RateLimit.Window,
	}

	if a.cfg.RateLimit.Backend == "redis" {
		if a.redis != nil {
			return ratelimit.NewRedisLimiter(a.redis, cfg)
		}
		log.Warn().Msg("Redis rate limiting requested but Redis is unavailable, limiting in memory")
	}

	limiter := ratelimit.NewMemoryLimiter(cfg)
	limiter.StartJanitor(ctx, a.cfg.RateLimit.CleanupInterval)
	return limiter
}
