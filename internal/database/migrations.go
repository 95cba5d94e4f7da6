package database

import (
	"errors"
	"time"

	"github.com/CandorWorksLab/entwine/backend/internal/overlap"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLegacyAlertStatus = "2026-07-14_normalize_legacy_alert_status"

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
		{name: migrationNormalizeLegacyAlertStatus, apply: normalizeLegacyAlertStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
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

// normalizeLegacyAlertStatus rewrites the pre-launch "unread" status label
// to the current "new" value so the read-state tracker's predicates match.
func normalizeLegacyAlertStatus(db *gorm.DB) error {
	return db.Model(&overlap.Alert{}).
		Where("status = ?", "unread").
		Update("status", overlap.AlertStatusNew).Error
}
