// Package store implements the desktop/dev persistent-storage backend: a
// sqlite-backed key-value table satisfying identity.Persistence and
// group.Persistence (§6: "the core only sees a get/set/delete interface").
// Adapted from leebo-zerogo/internal/controller/db.go's InitDB (DSN
// parsing, gorm.Open, AutoMigrate) and GORM model shape, generalized from
// several purpose-built relational tables to a single generic KV table.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// entry is the sole GORM model: every persisted value, keyed by name.
type entry struct {
	Key   string `gorm:"primarykey"`
	Value string `gorm:"not null"`
}

func (entry) TableName() string { return "kv_entries" }

// KVStore is a sqlite-backed key-value store. It satisfies both
// identity.Persistence and group.Persistence structurally (both are the
// same Get/Set/Delete shape), so a single instance backs both at the
// composition root.
type KVStore struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open parses dsn (currently only "sqlite://<path>", including
// "sqlite://:memory:" for an in-process database) and runs migrations.
func Open(dsn string, log *slog.Logger) (*KVStore, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("store: unsupported DSN %q (only sqlite:// is supported)", dsn)
	}
	path := strings.TrimPrefix(dsn, "sqlite://")

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("store: migrate database: %w", err)
	}

	return &KVStore{db: db, log: log.With("component", "store")}, nil
}

// Get returns the value for key, or ok=false if absent. A row-level read
// error is surfaced rather than treated as absent, so a real storage fault
// is distinguishable from "never written" by the caller (identity/group
// layers treat a corrupt *value*, not a read error, as absent — see their
// own decode-and-fallback logic).
func (s *KVStore) Get(key string) (string, bool, error) {
	var e entry
	err := s.db.Take(&e, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return e.Value, true, nil
}

// Set upserts key's value.
func (s *KVStore) Set(key, value string) error {
	e := entry{Key: key, Value: value}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key if present; deleting an absent key is not an error.
func (s *KVStore) Delete(key string) error {
	if err := s.db.Delete(&entry{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *KVStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
