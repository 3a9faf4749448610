package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// defaultPollHintSecs is the polling interval suggested to callers while a
// task is pending or working.
const defaultPollHintSecs = 15

// StartTaskRequest carries everything needed to delegate one task.
type StartTaskRequest struct {
	Instruction string
	WorkingDir  string
	Worker      string
	Model       string
	Mode        models.ExecMode
	Alias       string

	SessionID string
	ThreadID  string
	UserID    string
	Metadata  string

	// Zero means use the configured default.
	IdleTimeout time.Duration
	HardTimeout time.Duration
}

// OrchestratorDeps wires the orchestrator's collaborators. Store, Runner,
// Workers, and Config are required; Recorder and Notifier are optional.
type OrchestratorDeps struct {
	Store    TaskStore
	Runner   WorkerRunner
	Workers  ConfigurationManager
	Config   *models.GlobalConfig
	Recorder EventRecorder
	Notifier WarningNotifier
}

// Orchestrator is the delegation engine: it registers tasks, hands them to
// the worker runner, folds the event stream into progress updates, and maps
// every terminal outcome onto the registry's status machine. StartTask
// returns as soon as the task is durably registered; all later side effects
// go through the registry only, so callers observe tasks purely by polling.
type Orchestrator struct {
	store    TaskStore
	runner   WorkerRunner
	workers  ConfigurationManager
	cfg      *models.GlobalConfig
	recorder EventRecorder
	notifier WarningNotifier

	cron *cron.Cron
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewOrchestrator builds an orchestrator from its dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		store:    deps.Store,
		runner:   deps.Runner,
		workers:  deps.Workers,
		cfg:      deps.Config,
		recorder: deps.Recorder,
		notifier: deps.Notifier,
		now:      time.Now,
	}
}

// StartTask validates the request, registers the task as pending, and starts
// the execution in the background. The returned task is the registered row;
// its status advances asynchronously.
func (o *Orchestrator) StartTask(ctx context.Context, req StartTaskRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: "instruction is required"}
	}
	worker, err := o.workers.ResolveWorker(o.cfg, req.Worker)
	if err != nil {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: err.Error()}
	}
	model := req.Model
	if model == "" {
		model = worker.Model
	}

	task := &models.Task{
		ID:          NewTaskID(models.OriginLocal),
		Alias:       req.Alias,
		Origin:      models.OriginLocal,
		Instruction: req.Instruction,
		WorkingDir:  req.WorkingDir,
		Mode:        req.Mode,
		Model:       model,
		SessionID:   req.SessionID,
		ThreadID:    req.ThreadID,
		UserID:      req.UserID,
		Metadata:    req.Metadata,

		PollHintSecs: defaultPollHintSecs,
	}
	task, err = o.store.Register(task)
	if err != nil {
		return nil, err
	}
	o.record("INFO", "task.created", "task registered", map[string]any{
		"task_id": task.ID,
		"worker":  worker.Name,
		"dir":     task.WorkingDir,
	})

	o.wg.Add(1)
	go o.execute(task.ID, *worker, req)
	return task, nil
}

// execute runs one task to a terminal status. It never returns an error:
// every outcome, including infrastructure failure, lands in the registry.
func (o *Orchestrator) execute(taskID string, worker models.WorkerProfile, req StartTaskRequest) {
	defer o.wg.Done()

	if _, err := o.store.UpdateStatus(taskID, models.StatusWorking); err != nil {
		o.record("ERROR", "task.update_failed", "could not mark task working", map[string]any{
			"task_id": taskID, "error": err.Error(),
		})
	}

	tracker := NewProgressTracker()
	runReq := o.buildRunRequest(taskID, worker, req, tracker)

	res, err := o.runner.Run(context.Background(), runReq)
	if err != nil {
		o.finish(taskID, models.StatusFailed, "", &models.TaskError{
			Code:    models.ErrUnknown,
			Message: "worker execution could not be scheduled: " + err.Error(),
		}, tracker.Snapshot())
		return
	}
	o.resolveOutcome(taskID, res, tracker.Snapshot())
}

func (o *Orchestrator) buildRunRequest(taskID string, worker models.WorkerProfile, req StartTaskRequest, tracker *ProgressTracker) RunRequest {
	args := append([]string{}, worker.DefaultArgs...)
	if req.Model != "" && req.Model != worker.Model {
		args = append(args, "--model", req.Model)
	}
	// The instruction is always the final argument; it is never interpreted
	// by a shell.
	args = append(args, req.Instruction)

	idle := req.IdleTimeout
	if idle <= 0 {
		idle = secsOrDefault(o.cfg.Timeouts.IdleSecs, DefaultIdleTimeout)
	}
	hard := req.HardTimeout
	if hard <= 0 {
		hard = secsOrDefault(o.cfg.Timeouts.HardSecs, DefaultHardTimeout)
	}

	return RunRequest{
		TaskID:            taskID,
		Command:           worker.Command,
		Args:              args,
		Dir:               req.WorkingDir,
		EnvPolicy:         o.cfg.EnvPolicy,
		EnvAllowlist:      o.cfg.EnvAllowlist,
		IdleTimeout:       idle,
		HardTimeout:       hard,
		WarningLead:       secsOrDefault(o.cfg.Timeouts.WarningSecs, DefaultWarningLead),
		HeartbeatInterval: secsOrDefault(o.cfg.Timeouts.HeartbeatSecs, DefaultHeartbeatInterval),
		OnEvent: func(ev protocol.Event) {
			tracker.ProcessEvent(ev)
			o.persistProgress(taskID, tracker.Snapshot())
		},
		OnWarning: func(info WarningInfo) {
			o.record("WARN", "task.timeout_warning", "task is approaching a timeout", map[string]any{
				"task_id":        taskID,
				"kind":           string(info.Kind),
				"remaining_secs": int(info.RemainingMS / 1000),
			})
			if o.notifier != nil {
				if task, err := o.store.Get(taskID); err == nil && task != nil {
					o.notifier.NotifyTimeoutWarning(*task, info)
				}
			}
		},
		OnHeartbeat: func(elapsed time.Duration) {
			o.record("INFO", "task.heartbeat", "worker is still running", map[string]any{
				"task_id":      taskID,
				"elapsed_secs": int(elapsed.Seconds()),
			})
		},
	}
}

// persistProgress writes the current progress snapshot to the registry. A
// failed write is logged and skipped; the next event retries naturally.
func (o *Orchestrator) persistProgress(taskID string, snap models.ProgressSummary) {
	stepsJSON, err := json.Marshal(snap)
	if err != nil {
		return
	}
	steps := string(stepsJSON)
	now := o.now().UTC()
	if _, err := o.store.Update(taskID, models.TaskUpdates{Steps: &steps, LastEventAt: &now}); err != nil {
		o.record("WARN", "task.progress_write_failed", "progress update not persisted", map[string]any{
			"task_id": taskID, "error": err.Error(),
		})
	}
}

// resolveOutcome maps a finished execution onto a terminal status.
func (o *Orchestrator) resolveOutcome(taskID string, res *RunResult, snap models.ProgressSummary) {
	result := lastAgentMessage(res.Events)
	taskErr := Classify(res.ExecOutcome)

	var status models.TaskStatus
	switch {
	case taskErr != nil:
		status = models.StatusFailed
	case anyStepFailed(snap):
		status = models.StatusCompletedWithErrors
	case strings.TrimSpace(res.Stderr) != "":
		status = models.StatusCompletedWithWarnings
	default:
		status = models.StatusCompleted
	}

	o.finish(taskID, status, result, taskErr, snap)
}

// finish records the terminal outcome in the registry and the audit log.
// If the task was already finished (a cancel racing a natural completion),
// the registry's terminal freeze keeps the first outcome.
func (o *Orchestrator) finish(taskID string, status models.TaskStatus, result string, taskErr *models.TaskError, snap models.ProgressSummary) {
	updates := models.TaskUpdates{Status: &status}
	if result != "" {
		updates.Result = &result
	}
	if taskErr != nil {
		if errJSON, err := json.Marshal(taskErr); err == nil {
			s := string(errJSON)
			updates.Error = &s
		}
	}
	if snap.TotalSteps > 0 || snap.IsComplete {
		if stepsJSON, err := json.Marshal(snap); err == nil {
			s := string(stepsJSON)
			updates.Steps = &s
		}
	}

	task, err := o.store.Update(taskID, updates)
	if err != nil {
		o.record("ERROR", "task.finish_failed", "terminal status not persisted", map[string]any{
			"task_id": taskID, "status": string(status), "error": err.Error(),
		})
		return
	}

	data := map[string]any{"task_id": taskID, "status": string(task.Status)}
	level := "INFO"
	if taskErr != nil {
		level = "ERROR"
		data["error_code"] = string(taskErr.Code)
	}
	o.record(level, "task.finished", "task reached a terminal status", data)

	if taskErr != nil && o.notifier != nil && task != nil {
		o.notifier.NotifyTaskFailed(*task, taskErr)
	}
}

// Status returns the task for a reference (ID, external ID, or alias), or
// a NOT_FOUND error.
func (o *Orchestrator) Status(ref string) (*models.Task, error) {
	task, err := o.store.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, &models.TaskError{Code: models.ErrNotFound, Message: fmt.Sprintf("no task matches %q", ref)}
	}
	return task, nil
}

// Results returns a finished task's full record. For a task that is still
// running it returns the task as-is; the caller can tell from the status.
func (o *Orchestrator) Results(ref string) (*models.Task, error) {
	return o.Status(ref)
}

// Cancel stops a task. Canceling a finished task is an idempotent no-op that
// returns the task unchanged; canceling a pending or working task terminates
// any live process and marks the task canceled.
func (o *Orchestrator) Cancel(ref string) (*models.Task, error) {
	task, err := o.Status(ref)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	terminated := o.runner.Terminate(task.ID)
	updated, err := o.store.UpdateStatus(task.ID, models.StatusCanceled)
	if err != nil {
		return nil, err
	}
	o.record("INFO", "task.canceled", "task canceled", map[string]any{
		"task_id": task.ID, "process_terminated": terminated,
	})
	return updated, nil
}

// List returns tasks matching the filter, newest first.
func (o *Orchestrator) List(filter models.TaskFilter) ([]models.Task, error) {
	return o.store.Query(filter)
}

// StartMaintenance schedules stuck-task reclamation and old-task pruning per
// the configured cron specs. Invalid specs fail fast.
func (o *Orchestrator) StartMaintenance() error {
	m := o.cfg.Maintenance
	c := cron.New()

	if m.ReclaimSpec != "" && m.ReclaimAfterSecs > 0 {
		olderThan := time.Duration(m.ReclaimAfterSecs) * time.Second
		if _, err := c.AddFunc(m.ReclaimSpec, func() {
			n, err := o.store.ReclaimStuck(olderThan)
			if err != nil {
				o.record("ERROR", "maintenance.reclaim_failed", "stuck-task reclamation failed", map[string]any{"error": err.Error()})
				return
			}
			if n > 0 {
				o.record("WARN", "maintenance.reclaimed", "stuck tasks failed by reclamation", map[string]any{"count": n})
			}
		}); err != nil {
			return fmt.Errorf("invalid reclaim schedule %q: %w", m.ReclaimSpec, err)
		}
	}

	if m.PruneSpec != "" && m.PruneAfterDays > 0 {
		olderThan := time.Duration(m.PruneAfterDays) * 24 * time.Hour
		if _, err := c.AddFunc(m.PruneSpec, func() {
			n, err := o.store.PruneOld(olderThan)
			if err != nil {
				o.record("ERROR", "maintenance.prune_failed", "old-task pruning failed", map[string]any{"error": err.Error()})
				return
			}
			if n > 0 {
				o.record("INFO", "maintenance.pruned", "old terminal tasks deleted", map[string]any{"count": n})
			}
		}); err != nil {
			return fmt.Errorf("invalid prune schedule %q: %w", m.PruneSpec, err)
		}
	}

	c.Start()
	o.cron = c
	return nil
}

// Shutdown stops the maintenance scheduler and waits for in-flight
// executions to reach the registry.
func (o *Orchestrator) Shutdown() {
	if o.cron != nil {
		o.cron.Stop()
	}
	o.wg.Wait()
}

func (o *Orchestrator) record(level, eventType, message string, data map[string]any) {
	if o.recorder != nil {
		o.recorder.Record(level, eventType, message, data)
	}
}

func anyStepFailed(snap models.ProgressSummary) bool {
	for _, step := range snap.Steps {
		if step.Status == models.StepFailed {
			return true
		}
	}
	return snap.HasFailed
}

// lastAgentMessage extracts the final agent message text from the stream,
// which is the worker's answer to the instruction.
func lastAgentMessage(events []protocol.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Item != nil && ev.Item.Kind == protocol.ItemAgentMessage && ev.Item.Text != "" {
			return ev.Item.Text
		}
	}
	return ""
}

func secsOrDefault(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
