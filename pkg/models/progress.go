package models

// StepStatus represents the state of a single inferred progress step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ProgressStep is one human-readable unit of worker activity, inferred from
// the event stream.
type ProgressStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	StartedAt   int64      `json:"started_at_ms"`
}

// ProgressSummary is a point-in-time view of how far a task has advanced.
// It is derived from the accumulated event stream and recomputed on demand;
// Percent is forced to 100 once IsComplete is true.
type ProgressSummary struct {
	CurrentAction  string         `json:"current_action,omitempty"`
	CompletedSteps int            `json:"completed_steps"`
	TotalSteps     int            `json:"total_steps"`
	Percent        int            `json:"percent"`
	FilesChanged   int            `json:"files_changed"`
	CommandsRun    int            `json:"commands_run"`
	IsComplete     bool           `json:"is_complete"`
	HasFailed      bool           `json:"has_failed"`
	Steps          []ProgressStep `json:"steps,omitempty"`
}
