package core

import (
	"context"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// TaskStore is the durable task registry as the orchestrator sees it.
// This interface is defined locally in core to avoid importing storage.
type TaskStore interface {
	Register(task *models.Task) (*models.Task, error)
	Get(id string) (*models.Task, error)
	Resolve(ref string) (*models.Task, error)
	UpdateStatus(id string, status models.TaskStatus) (*models.Task, error)
	Update(id string, updates models.TaskUpdates) (*models.Task, error)
	Query(filter models.TaskFilter) ([]models.Task, error)
	Delete(id string) (bool, error)
	ReclaimStuck(olderThan time.Duration) (int64, error)
	PruneOld(olderThan time.Duration) (int64, error)
}

// RunRequest describes one worker invocation as the orchestrator issues it.
type RunRequest struct {
	TaskID  string
	Command string
	Args    []string
	Dir     string

	EnvPolicy    models.EnvPolicy
	EnvAllowlist []string
	ExtraEnv     map[string]string

	IdleTimeout       time.Duration
	HardTimeout       time.Duration
	WarningLead       time.Duration
	HeartbeatInterval time.Duration

	OnEvent     func(ev protocol.Event)
	OnWarning   func(info WarningInfo)
	OnHeartbeat func(elapsed time.Duration)
}

// RunResult is the structured resolution of one worker invocation.
type RunResult struct {
	ExecOutcome

	StartedAt time.Time
	Duration  time.Duration
}

// WorkerRunner executes worker processes behind the admission queue.
// This interface is defined locally in core to avoid importing integration.
type WorkerRunner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	// Terminate escalates termination of a task's live process. Returns false
	// when nothing is running for the task.
	Terminate(taskID string) bool
}

// EventRecorder receives orchestrator lifecycle events for the audit log.
type EventRecorder interface {
	Record(level, eventType, message string, data map[string]any)
}

// WarningNotifier delivers pre-timeout warnings and terminal failures to a
// human channel.
type WarningNotifier interface {
	NotifyTimeoutWarning(task models.Task, info WarningInfo)
	NotifyTaskFailed(task models.Task, taskErr *models.TaskError)
}
