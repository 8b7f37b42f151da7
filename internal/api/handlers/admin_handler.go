package handlers

import (
	"net/http"

	"example.com/backstage/services/orders/internal/breaker"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// AdminHandler exposes operational controls of the worker
type AdminHandler struct {
	breaker *breaker.Breaker
	queue   func() int
}

// NewAdminHandler creates an admin handler. queue reports the number of
// pending consumer tasks and may be nil.
func NewAdminHandler(cb *breaker.Breaker, queue func() int) *AdminHandler {
	return &AdminHandler{breaker: cb, queue: queue}
}

type breakerResponse struct {
	breaker.Status
	QueueLength int `json:"queue_length"`
}

func (h *AdminHandler) status() breakerResponse {
	resp := breakerResponse{Status: h.breaker.Status()}
	if h.queue != nil {
		resp.QueueLength = h.queue()
	}
	return resp
}

// HandleGetBreaker reports the inventory breaker state
func (h *AdminHandler) HandleGetBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

// HandleResetBreaker closes the inventory breaker and clears its counts
func (h *AdminHandler) HandleResetBreaker(c *gin.Context) {
	before := h.breaker.State()
	h.breaker.Reset()
	log.Info().Str("previous_state", string(before)).Str("client_ip", c.ClientIP()).Msg("Circuit breaker reset")
	c.JSON(http.StatusOK, h.status())
}

// RegisterRoutes registers the handler's routes
func (h *AdminHandler) RegisterRoutes(router gin.IRouter) {
	admin := router.Group("/admin")
	admin.GET("/circuit-breaker", h.HandleGetBreaker)
	admin.POST("/circuit-breaker/reset", h.HandleResetBreaker)
}
