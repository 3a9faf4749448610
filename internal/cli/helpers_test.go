package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/core"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// fakeDelegator implements Delegator over an in-memory task map.
type fakeDelegator struct {
	tasks   map[string]*models.Task
	started []core.StartTaskRequest
}

func newFakeDelegator(seed ...models.Task) *fakeDelegator {
	d := &fakeDelegator{tasks: make(map[string]*models.Task)}
	for i := range seed {
		task := seed[i]
		d.tasks[task.ID] = &task
	}
	return d
}

func (d *fakeDelegator) StartTask(_ context.Context, req core.StartTaskRequest) (*models.Task, error) {
	if req.Instruction == "" {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: "instruction is required"}
	}
	d.started = append(d.started, req)
	now := time.Now().UTC()
	task := &models.Task{
		ID:           fmt.Sprintf("local-start%03d", len(d.started)),
		Origin:       models.OriginLocal,
		Status:       models.StatusCompleted,
		Instruction:  req.Instruction,
		Result:       "done",
		PollHintSecs: 15,
		CreatedAt:    now,
		UpdatedAt:    now,
		CompletedAt:  &now,
	}
	d.tasks[task.ID] = task
	return task, nil
}

func (d *fakeDelegator) Status(ref string) (*models.Task, error) {
	if task, ok := d.tasks[ref]; ok {
		return task, nil
	}
	return nil, &models.TaskError{Code: models.ErrNotFound, Message: fmt.Sprintf("no task matches %q", ref)}
}

func (d *fakeDelegator) Results(ref string) (*models.Task, error) { return d.Status(ref) }

func (d *fakeDelegator) Cancel(ref string) (*models.Task, error) {
	task, err := d.Status(ref)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsTerminal() {
		task.Status = models.StatusCanceled
	}
	return task, nil
}

func (d *fakeDelegator) List(filter models.TaskFilter) ([]models.Task, error) {
	var out []models.Task
	for _, task := range d.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, *task)
	}
	return out, nil
}

// fakeMaintainer records the maintenance windows it was invoked with.
type fakeMaintainer struct {
	reclaimed time.Duration
	pruned    time.Duration
}

func (m *fakeMaintainer) ReclaimStuck(olderThan time.Duration) (int64, error) {
	m.reclaimed = olderThan
	return 2, nil
}

func (m *fakeMaintainer) PruneOld(olderThan time.Duration) (int64, error) {
	m.pruned = olderThan
	return 1, nil
}

// withOrch swaps the package-level orchestrator for the test's duration.
func withOrch(t *testing.T, d Delegator) {
	t.Helper()
	orig := Orch
	Orch = d
	t.Cleanup(func() { Orch = orig })
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func completedTask(id string) models.Task {
	progress, _ := json.Marshal(models.ProgressSummary{
		CurrentAction:  "done",
		CompletedSteps: 3,
		TotalSteps:     3,
		Percent:        100,
		IsComplete:     true,
	})
	now := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	done := now.Add(5 * time.Minute)
	return models.Task{
		ID:          id,
		Origin:      models.OriginLocal,
		Status:      models.StatusCompleted,
		Instruction: "refactor the config loader",
		Result:      "refactor finished",
		Steps:       string(progress),
		CreatedAt:   now,
		UpdatedAt:   done,
		CompletedAt: &done,
	}
}
