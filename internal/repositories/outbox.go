package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/orders/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OutboxRepository provides access to outbox events
type OutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create inserts a new unprocessed event
func (r *OutboxRepository) Create(ctx context.Context, event *models.OutboxEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.Processed = false
	event.ProcessedAt = nil

	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrDuplicateKey, "outbox event %s", event.ID)
		}
		return errors.Wrap(err, "failed to create outbox event")
	}
	return nil
}

// GetUnprocessed gets up to limit unprocessed events, oldest first
func (r *OutboxRepository) GetUnprocessed(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get unprocessed outbox events")
	}
	return events, nil
}

// MarkAsProcessed flips processed to true. Marking an event that is already
// processed changes nothing.
func (r *OutboxRepository) MarkAsProcessed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":    true,
			"processed_at": now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark outbox event as processed")
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return errors.Wrap(err, "failed to check outbox event")
		}
		if count == 0 {
			return errors.Wrapf(ErrNotFound, "outbox event %s", id)
		}
	}

	return nil
}
