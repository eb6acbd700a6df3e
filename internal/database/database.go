package database

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	connectRetries = 5
	connectBackoff = 2 * time.Second
)

func migrate(db *gorm.DB) (*gorm.DB, error) {
	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// NewDatabase connects to postgres, retrying while the server comes up, and
// migrates the schema.
func NewDatabase(dsn string) (*gorm.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err == nil {
			return migrate(db)
		}
		lastErr = err
		slog.Warn("error connecting to database, retrying", "attempt", attempt, "error", err)
		time.Sleep(connectBackoff)
	}
	return nil, fmt.Errorf("error connecting to database after %d attempts: %w", connectRetries, lastErr)
}

// NewSqliteDatabase opens or creates the sqlite database at path.
func NewSqliteDatabase(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sqlite connection: %w", err)
	}
	// Sqlite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	return migrate(db)
}
