// Package db opens and migrates the TeleClaude sqlite stores.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/InstruktAI/teleclaude/internal/models"
)

// Connect opens a GORM connection to a sqlite file in WAL mode, creating
// the parent directory if needed.
func Connect(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create dir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	return db, nil
}

// SessionModels returns the models stored in teleclaude.db.
func SessionModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.SessionMessage{},
		&models.TransientMessage{},
		&models.RelayMessage{},
		&models.Peer{},
	}
}

// AutoMigrate creates or updates the teleclaude.db tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(SessionModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
