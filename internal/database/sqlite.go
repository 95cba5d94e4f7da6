package database

import (
	"fmt"

	"github.com/CandorWorksLab/entwine/backend/internal/chat"
	"github.com/CandorWorksLab/entwine/backend/internal/overlap"
	"github.com/CandorWorksLab/entwine/backend/internal/profiles"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The uniqueness constraints declared on the models (partner hash,
// declaration pair, alert pair, room hash, profile user id) are the
// authority for every cross-user invariant in the system.
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

	err = db.AutoMigrate(
		&overlap.Partner{},
		&overlap.Declaration{},
		&overlap.Alert{},
		&profiles.Profile{},
		&chat.Room{},
		&chat.Message{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
