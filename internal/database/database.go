package database

import (
	"context"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/metrics"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connections holds the write database and its read replica. Both point at
// the same pool when no replica is configured.
type Connections struct {
	Write    *gorm.DB
	ReadOnly *gorm.DB
}

// Open connects to the write database and the read replica
func Open(cfg config.DatabaseConfig, recorder metrics.Recorder) (*Connections, error) {
	write, err := open(cfg, cfg.DSN, recorder)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if cfg.ReadOnly() == cfg.DSN {
		return &Connections{Write: write, ReadOnly: write}, nil
	}

	readOnly, err := open(cfg, cfg.ReadOnly(), recorder)
	if err != nil {
		_ = closeDB(write)
		return nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	return &Connections{Write: write, ReadOnly: readOnly}, nil
}

func open(cfg config.DatabaseConfig, dsn string, recorder metrics.Recorder) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get DB instance")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if recorder != nil {
		if err := RegisterQueryTimers(db, recorder); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Ping checks that the write database is reachable
func (c *Connections) Ping(ctx context.Context) error {
	sqlDB, err := c.Write.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes both connections
func (c *Connections) Close() error {
	err := closeDB(c.Write)
	if c.ReadOnly != c.Write {
		if roErr := closeDB(c.ReadOnly); err == nil {
			err = roErr
		}
	}
	return err
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
