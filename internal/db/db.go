package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns all persisted state. Every other component is a stateless
// computation over it, addressed through the methods below.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and
// migrates the schema. TranslateError is required so unique-constraint
// violations surface as gorm.ErrDuplicatedKey, which the dedup insert
// relies on.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("DB_PATH is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&Event{},
		&Anomaly{},
		&MonthlyUserSummary{},
		&MonthlyFileSummary{},
		&AlertHistory{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: gdb}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
