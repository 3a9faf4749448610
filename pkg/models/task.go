package models

import "time"

// Origin indicates where a task's worker executes.
type Origin string

const (
	// OriginLocal runs the worker as a subprocess on this host.
	OriginLocal Origin = "local"
	// OriginCloud runs the worker in a remotely-hosted execution environment.
	OriginCloud Origin = "cloud"
)

// ExecMode selects how much autonomy the worker is granted for a task.
type ExecMode string

const (
	ModeReadOnly ExecMode = "read-only"
	ModeAuto     ExecMode = "auto"
	ModeFullAuto ExecMode = "full-auto"
)

// TaskStatus represents the current lifecycle state of a delegated task.
//
// The state machine is: pending -> working -> one of the terminal states.
// StatusUnknown is reachable only through registry recovery, never through
// a normal transition.
type TaskStatus string

const (
	StatusPending               TaskStatus = "pending"
	StatusWorking               TaskStatus = "working"
	StatusCompleted             TaskStatus = "completed"
	StatusCompletedWithWarnings TaskStatus = "completed_with_warnings"
	StatusCompletedWithErrors   TaskStatus = "completed_with_errors"
	StatusFailed                TaskStatus = "failed"
	StatusCanceled              TaskStatus = "canceled"
	StatusUnknown               TaskStatus = "unknown"
)

// IsTerminal reports whether a status represents a finished task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusCompletedWithErrors,
		StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ValidStatus reports whether s is a member of the closed status enumeration.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusPending, StatusWorking, StatusCompleted, StatusCompletedWithWarnings,
		StatusCompletedWithErrors, StatusFailed, StatusCanceled, StatusUnknown:
		return true
	}
	return false
}

// Task is the durable record of one delegated unit of work.
//
// A row is created with StatusPending before the worker process is spawned, so
// that even an immediate crash leaves an observable record. CompletedAt is set
// exactly when the task enters a terminal status, and UpdatedAt never moves
// backwards for a given row.
type Task struct {
	ID         string `gorm:"primaryKey" json:"id"`
	ExternalID string `gorm:"index" json:"external_id,omitempty"`
	Alias      string `json:"alias,omitempty"`

	Origin Origin     `gorm:"index" json:"origin"`
	Status TaskStatus `gorm:"index" json:"status"`

	Instruction string   `json:"instruction"`
	WorkingDir  string   `gorm:"index" json:"working_dir,omitempty"`
	Mode        ExecMode `json:"mode,omitempty"`
	Model       string   `json:"model,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`

	// Steps holds the JSON-serialized ProgressSummary for the task.
	Steps          string     `json:"steps,omitempty"`
	PollHintSecs   int        `json:"poll_hint_secs,omitempty"`
	KeepAliveUntil *time.Time `json:"keep_alive_until,omitempty"`

	SessionID string `gorm:"index" json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	UserID    string `gorm:"index" json:"user_id,omitempty"`

	// Result holds the final worker payload (typically the last agent message).
	Result string `json:"result,omitempty"`
	// Error holds the JSON-serialized TaskError when the task did not fully succeed.
	Error string `json:"error,omitempty"`
	// Metadata is an opaque JSON blob supplied by the caller.
	Metadata string `json:"metadata,omitempty"`
}

// TaskUpdates is a partial update applied to a task row. Nil fields are left
// untouched.
type TaskUpdates struct {
	Status         *TaskStatus
	ExternalID     *string
	Alias          *string
	Steps          *string
	PollHintSecs   *int
	KeepAliveUntil *time.Time
	LastEventAt    *time.Time
	SessionID      *string
	ThreadID       *string
	Result         *string
	Error          *string
	Metadata       *string
}

// TaskFilter selects tasks in registry queries. Zero-valued fields are ignored.
type TaskFilter struct {
	Origin       Origin
	Status       TaskStatus
	WorkingDir   string
	SessionID    string
	UserID       string
	CreatedSince *time.Time
	CreatedUntil *time.Time
	Limit        int
	Offset       int
}
