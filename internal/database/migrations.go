package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLogConsumptionLimit = "2026-03-01_backfill_log_consumption_limit"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillLogConsumptionLimit, apply: backfillLogConsumptionLimit},
	}

	for _, migration := range migrations {
		var record migrationRecord
		result := db.Where("name = ?", migration.name).Limit(1).Find(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			continue
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillLogConsumptionLimit stamps log entries written before the limit was
// captured per cycle with the device's current limit.
func backfillLogConsumptionLimit(db *gorm.DB) error {
	var state dispenser.State
	result := db.Limit(1).Find(&state)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}
	return db.Model(&dispenser.LogEntry{}).
		Where("consumption_limit = 0").
		Updates(map[string]any{
			"consumption_limit": state.ConsumptionLimit,
			"limit_exceeded":    gorm.Expr("count > ?", state.ConsumptionLimit),
		}).Error
}
