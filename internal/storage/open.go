// Package storage persists the task registry in a single-file SQLite
// database. One row per delegated task; the registry is the only durable
// state the orchestrator keeps.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteConfig tunes the pragmas applied to every opened database.
type SQLiteConfig struct {
	WAL           bool
	BusyTimeoutMs int
	ForeignKeys   bool
}

// DefaultSQLiteConfig is suitable for a single-host registry with a handful
// of concurrent writers.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{WAL: true, BusyTimeoutMs: 5000, ForeignKeys: true}
}

// Open opens (creating if needed) the registry database at path and applies
// the SQLite pragmas. Parent directories are created as needed.
func Open(path string, cfg SQLiteConfig) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("registry database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	if err := applySQLitePragmas(gdb, cfg); err != nil {
		return nil, err
	}
	return gdb, nil
}

func applySQLitePragmas(gdb *gorm.DB, cfg SQLiteConfig) error {
	if gdb == nil {
		return fmt.Errorf("nil gorm db")
	}
	if cfg.WAL {
		if err := gdb.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return err
		}
	}
	if cfg.BusyTimeoutMs > 0 {
		if err := gdb.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeoutMs)).Error; err != nil {
			return err
		}
	}
	if cfg.ForeignKeys {
		if err := gdb.Exec("PRAGMA foreign_keys=ON;").Error; err != nil {
			return err
		}
	}
	return nil
}
