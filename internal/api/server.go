package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/orders/internal/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Routes registers a group of handlers on the router
type Routes interface {
	RegisterRoutes(router gin.IRouter)
}

// RouteFunc adapts a function to Routes
type RouteFunc func(router gin.IRouter)

// RegisterRoutes calls f
func (f RouteFunc) RegisterRoutes(router gin.IRouter) { f(router) }

// Server represents an HTTP server
type Server struct {
	name       string
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server listening on address. app may be nil,
// in which case no New Relic middleware is installed.
func NewServer(name, address string, timeout time.Duration, app *newrelic.Application, routes ...Routes) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	if app != nil {
		router.Use(middleware.NewRelicMiddleware(app))
	}

	for _, r := range routes {
		r.RegisterRoutes(router)
	}

	return &Server{
		name:   name,
		router: router,
		httpServer: &http.Server{
			Addr:         address,
			Handler:      router,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// Handler returns the server's router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	log.Info().Str("server", s.name).Str("address", s.httpServer.Addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "%s HTTP server error", s.name)
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("server", s.name).Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrapf(err, "%s HTTP server shutdown error", s.name)
	}

	log.Info().Str("server", s.name).Msg("HTTP server shut down successfully")
	return nil
}
