package models

// ErrorCode is a stable identifier for one class of task failure.
type ErrorCode string

const (
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrSpawn            ErrorCode = "SPAWN_ERROR"
	ErrProcessKilled    ErrorCode = "PROCESS_KILLED"
	ErrSilentFailure    ErrorCode = "SILENT_FAILURE"
	ErrTurnFailed       ErrorCode = "TURN_FAILED"
	ErrAuth             ErrorCode = "AUTH_ERROR"
	ErrTrust            ErrorCode = "TRUST_ERROR"
	ErrNetwork          ErrorCode = "NETWORK_ERROR"
	ErrRateLimit        ErrorCode = "RATE_LIMIT"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCLITimeout       ErrorCode = "CLI_TIMEOUT"
	ErrExit             ErrorCode = "EXIT_ERROR"
	ErrUnknown          ErrorCode = "UNKNOWN_ERROR"

	// Registry-level codes.
	ErrValidation ErrorCode = "VALIDATION"
	ErrNotFound   ErrorCode = "NOT_FOUND"
)

// TaskError is the single structured error shape every failed task carries.
// Message is always human-readable; Suggestion, when present, tells the user
// what to do about it.
type TaskError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// TimeoutKind distinguishes the two independent watchdog deadlines.
type TimeoutKind string

const (
	// TimeoutInactivity fires when the worker produced no output or events
	// for the configured idle window.
	TimeoutInactivity TimeoutKind = "inactivity"
	// TimeoutHard fires at the wall-clock ceiling regardless of activity.
	TimeoutHard TimeoutKind = "hard"
)

// PartialResults is the bounded tail of worker activity captured at the
// moment a timeout fires, large enough to diagnose the hang without keeping
// the full stream in memory.
type PartialResults struct {
	Kind       TimeoutKind `json:"kind"`
	ElapsedMS  int64       `json:"elapsed_ms"`
	EventCount int         `json:"event_count"`
	LastEvents []string    `json:"last_events,omitempty"`
	OutputTail string      `json:"output_tail,omitempty"`
}
