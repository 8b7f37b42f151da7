package handlers

import (
	"net/http"

	"example.com/backstage/services/orders/internal/api/response"
	"example.com/backstage/services/orders/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RateLimitHandler lets operators clear the admission windows
type RateLimitHandler struct {
	limiter ratelimit.Resetter
}

// NewRateLimitHandler creates a rate limit admin handler
func NewRateLimitHandler(limiter ratelimit.Resetter) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

// HandleReset clears every client's window
func (h *RateLimitHandler) HandleReset(c *gin.Context) {
	if err := h.limiter.Reset(c.Request.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to reset rate limits")
		response.AbortWithError(c, http.StatusInternalServerError, "Failed to reset rate limits")
		return
	}

	log.Info().Str("client_ip", c.ClientIP()).Msg("Rate limits reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// RegisterRoutes registers the handler's routes
func (h *RateLimitHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/admin/rate-limit/reset", h.HandleReset)
}
