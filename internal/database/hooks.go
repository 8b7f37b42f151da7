package database

import (
	"time"

	"example.com/backstage/services/orders/internal/metrics"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const startTimeKey = "metrics:start_time"

// RegisterQueryTimers records the duration of every create, query, update and
// delete as a db.query.<type> timer
func RegisterQueryTimers(db *gorm.DB, recorder metrics.Recorder) error {
	cb := db.Callback()
	hooks := []struct {
		kind   string
		before func(name string, fn func(*gorm.DB)) error
		after  func(name string, fn func(*gorm.DB)) error
	}{
		{"insert", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"select", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
	}

	for _, h := range hooks {
		timer := metrics.DBQueryTimerNamePrefix + h.kind
		if err := h.before("metrics:before_"+h.kind, markStart); err != nil {
			return errors.Wrapf(err, "failed to register %s start hook", h.kind)
		}
		if err := h.after("metrics:after_"+h.kind, func(tx *gorm.DB) {
			if d, ok := elapsed(tx); ok {
				recorder.RecordTimer(timer, d)
			}
		}); err != nil {
			return errors.Wrapf(err, "failed to register %s timer hook", h.kind)
		}
	}
	return nil
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func elapsed(tx *gorm.DB) (time.Duration, bool) {
	v, ok := tx.InstanceGet(startTimeKey)
	if !ok {
		return 0, false
	}
	start, ok := v.(time.Time)
	if !ok {
		return 0, false
	}
	return time.Since(start), true
}
