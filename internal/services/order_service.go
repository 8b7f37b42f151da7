package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"example.com/backstage/services/orders/internal/cache"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Searcher finds indexed orders by item name
type Searcher interface {
	SearchByItemName(ctx context.Context, itemName string, page, size int) ([]search.OrderDocument, int64, error)
}

// Config holds order service settings
type Config struct {
	MaxConflictRetries int
	CacheTTL           time.Duration
}

// CreateOrderRequest is the input of CreateOrder
type CreateOrderRequest struct {
	OrderID        string `json:"orderId"`
	ItemName       string `json:"itemName"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (r CreateOrderRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		problems = append(problems, "idempotencyKey is required")
	}
	if strings.TrimSpace(r.OrderID) == "" {
		problems = append(problems, "orderId is required")
	}
	if strings.TrimSpace(r.ItemName) == "" {
		problems = append(problems, "itemName is required")
	}
	if r.Quantity < 0 {
		problems = append(problems, "quantity must not be negative")
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidOrder, strings.Join(problems, ", "))
	}
	return nil
}

// OrderResult is the outcome of CreateOrder. Replayed is set when the
// idempotency key had already been used and the stored order is returned.
type OrderResult struct {
	Order    *models.Order
	Replayed bool
}

// OrderPage is one page of orders
type OrderPage struct {
	Orders []models.Order `json:"orders"`
	Total  int64          `json:"total"`
	Page   int            `json:"page"`
	Size   int            `json:"size"`
}

// OrderService handles order admission and lookups
type OrderService struct {
	orders   repositories.OrderStore
	uow      repositories.UnitOfWork
	cache    *cache.RedisCache
	searcher Searcher
	tracer   tracing.Tracer
	metrics  metrics.Recorder
	cfg      Config
	encode   func(v interface{}) ([]byte, error)
}

// NewOrderService creates a new order service. orderCache and searcher may be nil.
func NewOrderService(
	orders repositories.OrderStore,
	uow repositories.UnitOfWork,
	orderCache *cache.RedisCache,
	searcher Searcher,
	tracer tracing.Tracer,
	recorder metrics.Recorder,
	cfg Config,
) *OrderService {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	return &OrderService{
		orders:   orders,
		uow:      uow,
		cache:    orderCache,
		searcher: searcher,
		tracer:   tracer,
		metrics:  recorder,
		cfg:      cfg,
		encode:   json.Marshal,
	}
}

// CreateOrder admits an order at most once per idempotency key.
//
// The order and its ORDER_CREATED outbox event are written in one
// transaction; nothing is sent downstream from here. A request whose
// idempotency key is already stored returns the stored order without writing.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error) {
	segment := s.tracer.StartSpan(ctx, "create-order")
	defer segment.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("order_id", req.OrderID).
		Str("idempotency_key", req.IdempotencyKey).
		Logger()

	existing, err := s.orders.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		return s.replay(existing), nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, s.fail(ctx, errors.Wrap(err, "failed to look up idempotency key"))
	}

	if found, err := s.orders.GetByID(ctx, req.OrderID); err == nil {
		// Committed between the two lookups by a request with the same key
		if found.IdempotencyKey == req.IdempotencyKey {
			return s.replay(found), nil
		}
		return nil, errors.Wrapf(ErrOrderAlreadyExists, "order %s", req.OrderID)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, s.fail(ctx, errors.Wrap(err, "failed to look up order"))
	}

	order := &models.Order{
		OrderID:        req.OrderID,
		ItemName:       req.ItemName,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	}

	err = s.uow.WithinTransaction(ctx, func(orders repositories.OrderStore, outbox repositories.OutboxStore) error {
		if err := orders.Create(ctx, order); err != nil {
			return err
		}

		payload, err := s.encode(models.NewOrderCreatedEvent(order))
		if err != nil {
			return errors.Wrap(ErrSerialization, err.Error())
		}

		return outbox.Create(ctx, &models.OutboxEvent{
			AggregateID: order.OrderID,
			EventType:   models.EventTypeOrderCreated,
			Payload:     payload,
		})
	})
	if errors.Is(err, repositories.ErrDuplicateKey) {
		// Another request committed first; its row decides the outcome
		logger.Warn().Err(err).Msg("Concurrent order insert detected")
		return s.resolveDuplicate(ctx, req)
	}
	if err != nil {
		return nil, s.fail(ctx, errors.Wrap(err, "failed to create order"))
	}

	s.metrics.IncrementCounter(metrics.OrdersCreated)
	logger.Info().
		Str("item_name", order.ItemName).
		Int("quantity", order.Quantity).
		Msg("Order created")

	return &OrderResult{Order: order}, nil
}

func (s *OrderService) resolveDuplicate(ctx context.Context, req CreateOrderRequest) (*OrderResult, error) {
	existing, err := s.orders.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		return s.replay(existing), nil
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, errors.Wrapf(ErrOrderAlreadyExists, "order %s", req.OrderID)
	}
	return nil, s.fail(ctx, errors.Wrap(err, "failed to look up idempotency key"))
}

func (s *OrderService) replay(order *models.Order) *OrderResult {
	s.metrics.IncrementCounter(metrics.OrdersReplayed)
	log.Info().
		Str("order_id", order.OrderID).
		Str("idempotency_key", order.IdempotencyKey).
		Msg("Duplicate request, returning existing order")
	return &OrderResult{Order: order, Replayed: true}
}

func (s *OrderService) fail(ctx context.Context, err error) error {
	s.tracer.RecordError(newrelic.FromContext(ctx), err)
	return err
}

// GetOrder returns an order by id, reading through the cache
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	segment := s.tracer.StartSpan(ctx, "get-order")
	defer segment.End()

	key := cache.OrderCacheKey(orderID)
	var cached models.Order
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) && !errors.Is(err, cache.ErrCacheDisabled) {
		log.Warn().Err(err).Str("order_id", orderID).Msg("Order cache read failed")
	}

	order, err := s.orders.GetByID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
	}
	if err != nil {
		return nil, s.fail(ctx, errors.Wrap(err, "failed to get order"))
	}

	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, key, order, s.cfg.CacheTTL); err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("Order cache write failed")
		}
	}
	return order, nil
}

// IncreaseQuantity adds delta to the order's quantity. A concurrent update
// makes the conditional write fail; the order is then re-read and the
// increase applied again, up to MaxConflictRetries times.
func (s *OrderService) IncreaseQuantity(ctx context.Context, orderID string, delta int) (*models.Order, error) {
	if delta <= 0 {
		return nil, errors.Wrapf(ErrInvalidDelta, "got %d", delta)
	}

	segment := s.tracer.StartSpan(ctx, "increase-quantity")
	defer segment.End()

	for attempt := 0; attempt <= s.cfg.MaxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		order, err := s.orders.GetByID(ctx, orderID)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
		}
		if err != nil {
			return nil, s.fail(ctx, errors.Wrap(err, "failed to get order"))
		}

		order.Quantity += delta
		err = s.orders.Update(ctx, order)
		if err == nil {
			s.evict(ctx, orderID)
			log.Info().
				Str("order_id", orderID).
				Int("delta", delta).
				Int("quantity", order.Quantity).
				Msg("Order quantity increased")
			return order, nil
		}
		if !errors.Is(err, repositories.ErrOptimisticConflict) {
			return nil, s.fail(ctx, errors.Wrap(err, "failed to update order"))
		}

		s.metrics.IncrementCounter(metrics.OrderConflicts)
		log.Debug().
			Str("order_id", orderID).
			Int("attempt", attempt+1).
			Msg("Version conflict, re-reading order")
	}

	return nil, errors.Wrapf(ErrConflictRetriesExhausted, "order %s", orderID)
}

func (s *OrderService) evict(ctx context.Context, orderID string) {
	if !s.cache.Enabled() {
		return
	}
	if err := s.cache.Delete(ctx, cache.OrderCacheKey(orderID)); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("Order cache eviction failed")
	}
}

// ListOrders returns a page of orders, oldest first
func (s *OrderService) ListOrders(ctx context.Context, page, size int) (*OrderPage, error) {
	page, size = normalizePage(page, size)

	orders, total, err := s.orders.List(ctx, page, size)
	if err != nil {
		return nil, s.fail(ctx, errors.Wrap(err, "failed to list orders"))
	}
	return &OrderPage{Orders: orders, Total: total, Page: page, Size: size}, nil
}

// SearchOrders finds orders by item name. The search index is used when
// configured; if it fails the database is queried instead. An empty item
// name lists all orders.
func (s *OrderService) SearchOrders(ctx context.Context, itemName string, page, size int) (*OrderPage, error) {
	itemName = strings.TrimSpace(itemName)
	if itemName == "" {
		return s.ListOrders(ctx, page, size)
	}
	page, size = normalizePage(page, size)

	segment := s.tracer.StartSpan(ctx, "search-orders")
	defer segment.End()

	if s.searcher != nil {
		docs, total, err := s.searcher.SearchByItemName(ctx, itemName, page, size)
		if err == nil {
			orders := make([]models.Order, 0, len(docs))
			for _, doc := range docs {
				orders = append(orders, doc.Order())
			}
			return &OrderPage{Orders: orders, Total: total, Page: page, Size: size}, nil
		}
		log.Warn().Err(err).Str("item_name", itemName).Msg("Search index unavailable, falling back to database")
	}

	orders, total, err := s.orders.FindByItemName(ctx, itemName, page, size)
	if err != nil {
		return nil, s.fail(ctx, errors.Wrap(err, "failed to search orders"))
	}
	return &OrderPage{Orders: orders, Total: total, Page: page, Size: size}, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
