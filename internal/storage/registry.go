package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// writeRetryDelay is the pause before the single retry a failed registry
// write gets. SQLite under WAL resolves most transient busy errors well
// within this window.
const writeRetryDelay = 50 * time.Millisecond

// TaskRegistry is the durable task store. All methods are safe for
// concurrent use. Lookups that find nothing return (nil, nil); errors are
// reserved for storage faults and invalid input.
type TaskRegistry interface {
	Register(task *models.Task) (*models.Task, error)
	Get(id string) (*models.Task, error)
	Resolve(ref string) (*models.Task, error)
	UpdateStatus(id string, status models.TaskStatus) (*models.Task, error)
	Update(id string, updates models.TaskUpdates) (*models.Task, error)
	Query(filter models.TaskFilter) ([]models.Task, error)
	Delete(id string) (bool, error)
	ReclaimStuck(olderThan time.Duration) (int64, error)
	PruneOld(olderThan time.Duration) (int64, error)
	Close() error
}

type gormTaskRegistry struct {
	gdb *gorm.DB
	now func() time.Time
}

// NewTaskRegistry wraps an opened, migrated database in the registry API.
func NewTaskRegistry(gdb *gorm.DB) TaskRegistry {
	return &gormTaskRegistry{gdb: gdb, now: time.Now}
}

// OpenRegistry opens the database at path, runs migrations, and returns the
// registry. This is the one-call path the application wiring uses.
func OpenRegistry(path string) (TaskRegistry, error) {
	gdb, err := Open(path, DefaultSQLiteConfig())
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb, path); err != nil {
		return nil, err
	}
	return NewTaskRegistry(gdb), nil
}

// Register inserts a new task row. The task must already carry an ID and an
// instruction; origin defaults to local and the initial status is always
// pending so that even an immediate crash leaves an observable record.
func (r *gormTaskRegistry) Register(task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: "task is required"}
	}
	if strings.TrimSpace(task.ID) == "" {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: "task id is required"}
	}
	if strings.TrimSpace(task.Instruction) == "" {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: "instruction is required"}
	}
	if task.Origin == "" {
		task.Origin = models.OriginLocal
	}
	now := r.now().UTC()
	task.Status = models.StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	task.CompletedAt = nil

	if err := r.writeWithRetry(func() error {
		return r.gdb.Create(task).Error
	}); err != nil {
		return nil, fmt.Errorf("registering task %s: %w", task.ID, err)
	}
	return task, nil
}

// Get returns the task with the given ID, or (nil, nil) when it does not exist.
func (r *gormTaskRegistry) Get(id string) (*models.Task, error) {
	var task models.Task
	err := r.gdb.First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return &task, nil
}

// Resolve finds a task by ID, external ID, or alias, in that order.
func (r *gormTaskRegistry) Resolve(ref string) (*models.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: "task reference is required"}
	}
	if task, err := r.Get(ref); err != nil || task != nil {
		return task, err
	}
	for _, column := range []string{"external_id", "alias"} {
		var task models.Task
		err := r.gdb.Where(column+" = ?", ref).Order("created_at DESC").First(&task).Error
		if err == nil {
			return &task, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolving task %q: %w", ref, err)
		}
	}
	return nil, nil
}

// nonTerminalStatuses is the WHERE guard for status transitions: a terminal
// row never matches, so the freeze holds inside the UPDATE itself instead of
// a read-check-write that two concurrent transitions could both pass.
var nonTerminalStatuses = []models.TaskStatus{
	models.StatusPending, models.StatusWorking, models.StatusUnknown,
}

// UpdateStatus transitions a task. Terminal statuses are frozen: once a task
// has finished, further transitions are ignored and the stored row is
// returned unchanged, which makes cancellation of a finished task a no-op.
// The freeze is enforced by the UPDATE's status guard, so two concurrent
// terminal transitions commit exactly one winner. CompletedAt is set exactly
// when the task first enters a terminal status.
func (r *gormTaskRegistry) UpdateStatus(id string, status models.TaskStatus) (*models.Task, error) {
	if !models.ValidStatus(status) {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: fmt.Sprintf("invalid status %q", status)}
	}
	task, err := r.Get(id)
	if err != nil || task == nil {
		return task, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	now := r.now().UTC()
	fields := map[string]any{"status": status, "updated_at": now}
	if status.IsTerminal() {
		fields["completed_at"] = now
	}
	if err := r.writeWithRetry(func() error {
		return r.gdb.Model(&models.Task{}).
			Where("id = ? AND status IN ?", id, nonTerminalStatuses).
			Updates(fields).Error
	}); err != nil {
		return nil, fmt.Errorf("updating status of task %s: %w", id, err)
	}
	// Zero rows affected means a concurrent transition won; the stored row
	// is the answer either way.
	return r.Get(id)
}

// Update applies a partial update. A status change inside the update obeys
// the same guarded terminal-freeze rule as UpdateStatus; the other fields
// are applied regardless.
func (r *gormTaskRegistry) Update(id string, updates models.TaskUpdates) (*models.Task, error) {
	task, err := r.Get(id)
	if err != nil || task == nil {
		return task, err
	}

	fields := map[string]any{"updated_at": r.now().UTC()}
	if updates.ExternalID != nil {
		fields["external_id"] = *updates.ExternalID
	}
	if updates.Alias != nil {
		fields["alias"] = *updates.Alias
	}
	if updates.Steps != nil {
		fields["steps"] = *updates.Steps
	}
	if updates.PollHintSecs != nil {
		fields["poll_hint_secs"] = *updates.PollHintSecs
	}
	if updates.KeepAliveUntil != nil {
		fields["keep_alive_until"] = *updates.KeepAliveUntil
	}
	if updates.LastEventAt != nil {
		fields["last_event_at"] = *updates.LastEventAt
	}
	if updates.SessionID != nil {
		fields["session_id"] = *updates.SessionID
	}
	if updates.ThreadID != nil {
		fields["thread_id"] = *updates.ThreadID
	}
	if updates.Result != nil {
		fields["result"] = *updates.Result
	}
	if updates.Error != nil {
		fields["error"] = *updates.Error
	}
	if updates.Metadata != nil {
		fields["metadata"] = *updates.Metadata
	}

	if updates.Status != nil {
		if !models.ValidStatus(*updates.Status) {
			return nil, &models.TaskError{Code: models.ErrValidation, Message: fmt.Sprintf("invalid status %q", *updates.Status)}
		}
		statusFields := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			statusFields[k] = v
		}
		statusFields["status"] = *updates.Status
		if updates.Status.IsTerminal() {
			statusFields["completed_at"] = fields["updated_at"]
		}
		var affected int64
		if err := r.writeWithRetry(func() error {
			res := r.gdb.Model(&models.Task{}).
				Where("id = ? AND status IN ?", id, nonTerminalStatuses).
				Updates(statusFields)
			affected = res.RowsAffected
			return res.Error
		}); err != nil {
			return nil, fmt.Errorf("updating task %s: %w", id, err)
		}
		if affected > 0 {
			return r.Get(id)
		}
		// The row turned terminal underneath us: drop the status change and
		// apply only the remaining fields.
	}

	if len(fields) == 1 {
		// Nothing beyond the timestamp; a blocked pure-status update stays a
		// no-op on the stored row.
		return r.Get(id)
	}
	if err := r.writeWithRetry(func() error {
		return r.gdb.Model(&models.Task{}).Where("id = ?", id).Updates(fields).Error
	}); err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}
	return r.Get(id)
}

// Query lists tasks matching the filter, newest first.
func (r *gormTaskRegistry) Query(filter models.TaskFilter) ([]models.Task, error) {
	q := r.gdb.Model(&models.Task{}).Order("created_at DESC")
	if filter.Origin != "" {
		q = q.Where("origin = ?", filter.Origin)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.WorkingDir != "" {
		q = q.Where("working_dir = ?", filter.WorkingDir)
	}
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.CreatedSince != nil {
		q = q.Where("created_at >= ?", *filter.CreatedSince)
	}
	if filter.CreatedUntil != nil {
		q = q.Where("created_at < ?", *filter.CreatedUntil)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var tasks []models.Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	return tasks, nil
}

// Delete removes a task row. Returns false when no row existed.
func (r *gormTaskRegistry) Delete(id string) (bool, error) {
	var affected int64
	err := r.writeWithRetry(func() error {
		res := r.gdb.Delete(&models.Task{}, "id = ?", id)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("deleting task %s: %w", id, err)
	}
	return affected > 0, nil
}

// ReclaimStuck fails every non-terminal task older than the threshold. Such
// rows are left over from an orchestrator that died mid-run; nothing is
// executing them anymore, so leaving them pending or working would mislead
// every poller forever.
func (r *gormTaskRegistry) ReclaimStuck(olderThan time.Duration) (int64, error) {
	now := r.now().UTC()
	cutoff := now.Add(-olderThan)
	taskErr := models.TaskError{
		Code:    models.ErrUnknown,
		Message: fmt.Sprintf("task made no terminal transition within %s; the orchestrator likely restarted mid-run", olderThan),
	}
	errJSON, _ := json.Marshal(taskErr)

	var affected int64
	err := r.writeWithRetry(func() error {
		res := r.gdb.Model(&models.Task{}).
			Where("status IN ? AND created_at < ?", []models.TaskStatus{models.StatusPending, models.StatusWorking}, cutoff).
			Updates(map[string]any{
				"status":       models.StatusFailed,
				"error":        string(errJSON),
				"completed_at": now,
				"updated_at":   now,
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("reclaiming stuck tasks: %w", err)
	}
	return affected, nil
}

// PruneOld deletes terminal tasks that completed before the threshold.
// Non-terminal rows are never pruned, whatever their age; reclamation has to
// fail them first.
func (r *gormTaskRegistry) PruneOld(olderThan time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-olderThan)
	terminal := []models.TaskStatus{
		models.StatusCompleted, models.StatusCompletedWithWarnings,
		models.StatusCompletedWithErrors, models.StatusFailed, models.StatusCanceled,
	}
	var affected int64
	err := r.writeWithRetry(func() error {
		res := r.gdb.Where("status IN ? AND completed_at < ?", terminal, cutoff).Delete(&models.Task{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("pruning old tasks: %w", err)
	}
	return affected, nil
}

// Close releases the underlying database handle.
func (r *gormTaskRegistry) Close() error {
	sqlDB, err := r.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// writeWithRetry runs a write, retrying once after a short pause. Transient
// SQLITE_BUSY errors under concurrent completion writes are the target; a
// second failure is surfaced to the caller.
func (r *gormTaskRegistry) writeWithRetry(fn func() error) error {
	if err := fn(); err != nil {
		time.Sleep(writeRetryDelay)
		return fn()
	}
	return nil
}
