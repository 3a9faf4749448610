package cli

import (
	"context"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/core"
	"github.com/valter-silva-au/ai-task-delegate/internal/observability"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// Delegator is the orchestrator surface the commands call.
type Delegator interface {
	StartTask(ctx context.Context, req core.StartTaskRequest) (*models.Task, error)
	Status(ref string) (*models.Task, error)
	Results(ref string) (*models.Task, error)
	Cancel(ref string) (*models.Task, error)
	List(filter models.TaskFilter) ([]models.Task, error)
}

// Maintainer is the registry surface behind the cleanup command.
type Maintainer interface {
	ReclaimStuck(olderThan time.Duration) (int64, error)
	PruneOld(olderThan time.Duration) (int64, error)
}

// Service instances, set during app initialization in app.go.
var (
	BasePath string

	Orch     Delegator
	Registry Maintainer

	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
)
