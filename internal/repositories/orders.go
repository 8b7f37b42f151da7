package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/orders/internal/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OrderRepository provides access to order data
type OrderRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OrderRepository {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	return &OrderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create inserts a new order
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Create(order).Error
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrDuplicateKey, "order %s", order.OrderID)
		}
		return errors.Wrap(err, "failed to create order")
	}
	return nil
}

// GetByID gets an order by its id. Reads go to the write database so a
// read-modify-write never starts from a lagging replica.
func (r *OrderRepository) GetByID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(ErrNotFound, "order %s", orderID)
		}
		return nil, errors.Wrap(err, "failed to get order by id")
	}
	return &order, nil
}

// GetByIdempotencyKey gets the order admitted under key
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&order).Error
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(ErrNotFound, "order by idempotency key")
		}
		return nil, errors.Wrap(err, "failed to get order by idempotency key")
	}
	return &order, nil
}

// Update writes the order only if the stored version still equals
// order.Version, then advances order.Version.
func (r *OrderRepository) Update(ctx context.Context, order *models.Order) error {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, order.Version).
		Updates(map[string]interface{}{
			"item_name":  order.ItemName,
			"quantity":   order.Quantity,
			"version":    order.Version + 1,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update order")
	}

	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrOptimisticConflict, "order %s at version %d", order.OrderID, order.Version)
	}

	order.Version++
	return nil
}

// List returns a page of orders, oldest first
func (r *OrderRepository) List(ctx context.Context, page, size int) ([]models.Order, int64, error) {
	return r.page(r.readOnlyDB.WithContext(ctx).Model(&models.Order{}), page, size)
}

// FindByItemName returns a page of orders with an exact item name match
func (r *OrderRepository) FindByItemName(ctx context.Context, itemName string, page, size int) ([]models.Order, int64, error) {
	query := r.readOnlyDB.WithContext(ctx).Model(&models.Order{}).Where("item_name = ?", itemName)
	return r.page(query, page, size)
}

func (r *OrderRepository) page(query *gorm.DB, page, size int) ([]models.Order, int64, error) {
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count orders")
	}

	var orders []models.Order
	err := query.
		Order("created_at ASC").
		Offset(offset(page, size)).
		Limit(size).
		Find(&orders).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list orders")
	}

	return orders, total, nil
}
