package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// SchemaVersion is the registry schema this build reads and writes.
// Forward migrations from older versions run automatically on open; a
// database written by a newer build is refused rather than damaged.
const SchemaVersion = 2

// SchemaMeta is a single-row table recording the registry schema version.
type SchemaMeta struct {
	ID      int `gorm:"primaryKey"`
	Version int `gorm:"not null"`
}

func (SchemaMeta) TableName() string { return "schema_meta" }

// Migrate brings the database at dbPath up to SchemaVersion. On a forward
// migration the database file is copied to a timestamped backup first, so a
// failed migration never loses the original.
func Migrate(gdb *gorm.DB, dbPath string) error {
	if gdb == nil {
		return fmt.Errorf("nil gorm db")
	}

	current, fresh, err := readSchemaVersion(gdb)
	if err != nil {
		return err
	}
	if !fresh && current > SchemaVersion {
		return fmt.Errorf("registry database has schema version %d, newer than this build supports (%d)", current, SchemaVersion)
	}

	if !fresh && current < SchemaVersion {
		if err := backupDatabase(dbPath, current); err != nil {
			return fmt.Errorf("backing up registry before migration: %w", err)
		}
	}

	if err := gdb.AutoMigrate(&SchemaMeta{}, &models.Task{}); err != nil {
		return fmt.Errorf("migrating registry schema: %w", err)
	}
	if !fresh && current < SchemaVersion {
		if err := recoverUnknownStatuses(gdb); err != nil {
			return err
		}
	}

	return gdb.Where(SchemaMeta{ID: 1}).
		Assign(SchemaMeta{Version: SchemaVersion}).
		FirstOrCreate(&SchemaMeta{}).Error
}

// readSchemaVersion returns the recorded version, or fresh=true when the
// database has no schema_meta table yet.
func readSchemaVersion(gdb *gorm.DB) (version int, fresh bool, err error) {
	if !gdb.Migrator().HasTable(&SchemaMeta{}) {
		return 0, true, nil
	}
	var meta SchemaMeta
	if err := gdb.First(&meta, 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("reading registry schema version: %w", err)
	}
	return meta.Version, false, nil
}

// recoverUnknownStatuses sweeps rows whose status is outside the closed
// enumeration, which can happen when an older schema carried states this
// build no longer writes. They become "unknown" rather than being guessed at.
func recoverUnknownStatuses(gdb *gorm.DB) error {
	known := []models.TaskStatus{
		models.StatusPending, models.StatusWorking,
		models.StatusCompleted, models.StatusCompletedWithWarnings,
		models.StatusCompletedWithErrors, models.StatusFailed,
		models.StatusCanceled, models.StatusUnknown,
	}
	res := gdb.Model(&models.Task{}).
		Where("status NOT IN ?", known).
		Updates(map[string]any{"status": models.StatusUnknown, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("recovering unknown task statuses: %w", res.Error)
	}
	return nil
}

func backupDatabase(dbPath string, fromVersion int) error {
	if dbPath == "" {
		return nil
	}
	src, err := os.Open(dbPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer src.Close()

	backup := fmt.Sprintf("%s.v%d.%s.bak", dbPath, fromVersion, time.Now().UTC().Format("20060102-150405"))
	dst, err := os.OpenFile(backup, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}
