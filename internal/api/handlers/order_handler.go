package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/backstage/services/orders/internal/api/response"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/services"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// IdempotencyKeyHeader may carry the key instead of the request body
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses that return a previously created order
	ReplayedHeader = "Idempotent-Replayed"
)

// OrderHandler handles order-related HTTP requests
type OrderHandler struct {
	orderService *services.OrderService
	tracer       tracing.Tracer
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orderService *services.OrderService, tracer tracing.Tracer) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		tracer:       tracer,
	}
}

// OrderResponse is the JSON view of an order
type OrderResponse struct {
	OrderID        string `json:"orderId"`
	ItemName       string `json:"itemName"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// OrderPageResponse is one page of orders
type OrderPageResponse struct {
	Orders []OrderResponse `json:"orders"`
	Total  int64           `json:"total"`
	Page   int             `json:"page"`
	Size   int             `json:"size"`
}

// IncreaseQuantityRequest is the body of PATCH /orders/:id/quantity
type IncreaseQuantityRequest struct {
	Delta int `json:"delta"`
}

func newOrderResponse(order *models.Order) OrderResponse {
	return OrderResponse{
		OrderID:        order.OrderID,
		ItemName:       order.ItemName,
		Quantity:       order.Quantity,
		IdempotencyKey: order.IdempotencyKey,
	}
}

func newOrderPageResponse(page *services.OrderPage) OrderPageResponse {
	orders := make([]OrderResponse, 0, len(page.Orders))
	for i := range page.Orders {
		orders = append(orders, newOrderResponse(&page.Orders[i]))
	}
	return OrderPageResponse{Orders: orders, Total: page.Total, Page: page.Page, Size: page.Size}
}

// requestContext carries the request's New Relic transaction, if any, into
// the service layer
func requestContext(c *gin.Context) (context.Context, *newrelic.Transaction) {
	txn := nrgin.Transaction(c)
	ctx := c.Request.Context()
	if txn != nil {
		ctx = newrelic.NewContext(ctx, txn)
	}
	return ctx, txn
}

// HandleCreateOrder admits an order. Repeating a request with the same
// idempotency key returns the stored order with the Idempotent-Replayed header.
func (h *OrderHandler) HandleCreateOrder(c *gin.Context) {
	ctx, txn := requestContext(c)

	var req services.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("Invalid request body")
		response.AbortWithError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)
	}

	h.tracer.AddAttribute(txn, "order_id", req.OrderID)
	h.tracer.AddAttribute(txn, "idempotency_key", req.IdempotencyKey)

	result, err := h.orderService.CreateOrder(ctx, req)
	if err != nil {
		h.writeError(c, txn, err)
		return
	}

	if result.Replayed {
		c.Header(ReplayedHeader, "true")
	}
	c.JSON(http.StatusCreated, newOrderResponse(result.Order))
}

// HandleGetOrder returns one order
func (h *OrderHandler) HandleGetOrder(c *gin.Context) {
	ctx, txn := requestContext(c)

	order, err := h.orderService.GetOrder(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

// HandleIncreaseQuantity adds to an order's quantity
func (h *OrderHandler) HandleIncreaseQuantity(c *gin.Context) {
	ctx, txn := requestContext(c)

	var req IncreaseQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.AbortWithError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	order, err := h.orderService.IncreaseQuantity(ctx, c.Param("id"), req.Delta)
	if err != nil {
		h.writeError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

// HandleListOrders returns a page of orders
func (h *OrderHandler) HandleListOrders(c *gin.Context) {
	ctx, txn := requestContext(c)

	page, size, ok := pageParams(c)
	if !ok {
		return
	}

	result, err := h.orderService.ListOrders(ctx, page, size)
	if err != nil {
		h.writeError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, newOrderPageResponse(result))
}

// HandleSearchOrders returns a page of orders matching ?itemName=
func (h *OrderHandler) HandleSearchOrders(c *gin.Context) {
	ctx, txn := requestContext(c)

	page, size, ok := pageParams(c)
	if !ok {
		return
	}

	result, err := h.orderService.SearchOrders(ctx, c.Query("itemName"), page, size)
	if err != nil {
		h.writeError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, newOrderPageResponse(result))
}

func pageParams(c *gin.Context) (int, int, bool) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil {
		response.AbortWithError(c, http.StatusBadRequest, "page must be a number")
		return 0, 0, false
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "20"))
	if err != nil {
		response.AbortWithError(c, http.StatusBadRequest, "size must be a number")
		return 0, 0, false
	}
	return page, size, true
}

func (h *OrderHandler) writeError(c *gin.Context, txn *newrelic.Transaction, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidOrder), errors.Is(err, services.ErrInvalidDelta):
		response.AbortWithError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrOrderNotFound):
		response.AbortWithError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrOrderAlreadyExists), errors.Is(err, services.ErrConflictRetriesExhausted):
		response.AbortWithError(c, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
		h.tracer.RecordError(txn, err)
		response.AbortWithError(c, http.StatusInternalServerError, "Internal server error")
	}
}

// RegisterRoutes registers the handler's routes. admission runs in front of
// order creation only.
func (h *OrderHandler) RegisterRoutes(router gin.IRouter, admission ...gin.HandlerFunc) {
	orders := router.Group("/api/v1/orders")

	create := append(append([]gin.HandlerFunc{}, admission...), h.HandleCreateOrder)
	orders.POST("", create...)
	orders.GET("", h.HandleListOrders)
	orders.GET("/search", h.HandleSearchOrders)
	orders.GET("/:id", h.HandleGetOrder)
	orders.PATCH("/:id/quantity", h.HandleIncreaseQuantity)
}
