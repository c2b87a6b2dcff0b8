package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&dispenser.State{}, &dispenser.LogEntry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := clearStaleLockoutRemaining(db); err != nil && logger != nil {
		logger.Warn("lockout remaining normalization failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// clearStaleLockoutRemaining zeroes a remaining count left behind without a lockout end.
func clearStaleLockoutRemaining(db *gorm.DB) error {
	return db.Exec("UPDATE device_states SET lockout_remaining = 0 WHERE lockout_end_time IS NULL AND lockout_remaining <> 0;").Error
}
