// Package internal provides the App struct that wires all components of the
// task delegate together and initializes the CLI layer.
package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/cli"
	"github.com/valter-silva-au/ai-task-delegate/internal/core"
	"github.com/valter-silva-au/ai-task-delegate/internal/integration"
	"github.com/valter-silva-au/ai-task-delegate/internal/observability"
	"github.com/valter-silva-au/ai-task-delegate/internal/storage"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// App holds all service dependencies for the task delegate.
type App struct {
	BasePath string

	// Configuration
	ConfigMgr core.ConfigurationManager
	Config    *models.GlobalConfig

	// Storage layer
	Registry storage.TaskRegistry

	// Worker execution
	Procs    *integration.ProcessTable
	Executor integration.WorkerExecutor

	// Core services
	Orchestrator *core.Orchestrator

	// Observability
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
}

// NewApp creates and wires all components of the task delegate. basePath is
// the root directory where all data lives (typically ~/.atd, overridable via
// ATD_HOME).
func NewApp(basePath string) (*App, error) {
	app := &App{BasePath: basePath}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.LoadGlobalConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := app.ConfigMgr.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	app.Config = cfg

	// --- Storage layer ---
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(basePath, "tasks.db")
	}
	app.Registry, err = storage.OpenRegistry(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening task registry: %w", err)
	}

	// --- Worker execution ---
	app.Procs = integration.NewProcessTable()
	app.Executor = integration.NewWorkerExecutor(cfg.Concurrency, app.Procs)

	// --- Observability ---
	eventLogPath := filepath.Join(basePath, "events.jsonl")
	app.EventLog, err = observability.NewJSONLEventLog(eventLogPath)
	if err != nil {
		// Non-fatal: disable observability if the log can't be created.
		app.EventLog = nil
	}
	if app.EventLog != nil {
		app.AlertEngine = observability.NewAlertEngine(app.EventLog, observability.DefaultAlertThresholds())
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}
	if cfg.Notifications.Enabled && cfg.Notifications.SlackWebhookURL != "" {
		app.Notifier = observability.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	}

	// --- Orchestrator ---
	deps := core.OrchestratorDeps{
		Store:   app.Registry,
		Runner:  &workerRunnerAdapter{exec: app.Executor, procs: app.Procs},
		Workers: app.ConfigMgr,
		Config:  cfg,
	}
	if app.EventLog != nil {
		deps.Recorder = &eventRecorderAdapter{log: app.EventLog}
	}
	if app.Notifier != nil {
		deps.Notifier = &warningNotifierAdapter{notifier: app.Notifier}
	}
	app.Orchestrator = core.NewOrchestrator(deps)

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.Orch = app.Orchestrator
	cli.Registry = app.Registry
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc

	return app, nil
}

// StartMaintenance starts the background reclamation and pruning schedules.
// Long-lived entry points (the MCP server) call this; one-shot CLI commands
// use the cleanup command instead.
func (a *App) StartMaintenance() error {
	return a.Orchestrator.StartMaintenance()
}

// Close stops background work and releases held resources: the maintenance
// scheduler, in-flight task goroutines, the worker admission queue, the
// registry's database handle, and the event log.
func (a *App) Close() error {
	var firstErr error

	if a.Orchestrator != nil {
		a.Orchestrator.Shutdown()
	}
	if a.Executor != nil {
		a.Executor.Close()
	}
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.EventLog != nil {
		if err := a.EventLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResolveBasePath determines the data directory: $ATD_HOME when set,
// otherwise ~/.atd.
func ResolveBasePath() string {
	base, err := core.ResolveBasePath()
	if err != nil {
		return "."
	}
	return base
}

// --- Adapters ---

// workerRunnerAdapter adapts integration.WorkerExecutor to core.WorkerRunner.
type workerRunnerAdapter struct {
	exec  integration.WorkerExecutor
	procs *integration.ProcessTable
}

func (a *workerRunnerAdapter) Run(ctx context.Context, req core.RunRequest) (*core.RunResult, error) {
	res, err := a.exec.Execute(ctx, integration.ExecOptions{
		TaskID:            req.TaskID,
		Command:           req.Command,
		Args:              req.Args,
		Dir:               req.Dir,
		EnvPolicy:         req.EnvPolicy,
		EnvAllowlist:      req.EnvAllowlist,
		ExtraEnv:          req.ExtraEnv,
		IdleTimeout:       req.IdleTimeout,
		HardTimeout:       req.HardTimeout,
		WarningLead:       req.WarningLead,
		HeartbeatInterval: req.HeartbeatInterval,
		OnEvent:           req.OnEvent,
		OnWarning:         req.OnWarning,
		OnHeartbeat:       req.OnHeartbeat,
	})
	if err != nil {
		return nil, err
	}
	return &core.RunResult{
		ExecOutcome: res.ExecOutcome,
		StartedAt:   res.StartedAt,
		Duration:    res.Duration,
	}, nil
}

func (a *workerRunnerAdapter) Terminate(taskID string) bool {
	return a.procs.Terminate(taskID)
}

// eventRecorderAdapter adapts observability.EventLog to core.EventRecorder.
type eventRecorderAdapter struct {
	log observability.EventLog
}

func (a *eventRecorderAdapter) Record(level, eventType, message string, data map[string]any) {
	_ = a.log.Write(observability.Event{
		Time:    time.Now().UTC(),
		Level:   level,
		Type:    eventType,
		Message: message,
		Data:    data,
	})
}

// warningNotifierAdapter adapts observability.Notifier to core.WarningNotifier.
type warningNotifierAdapter struct {
	notifier observability.Notifier
}

func (a *warningNotifierAdapter) NotifyTimeoutWarning(task models.Task, info core.WarningInfo) {
	remaining := time.Duration(info.RemainingMS) * time.Millisecond
	_ = a.notifier.Notify([]observability.Alert{{
		ID:        "timeout-warning-" + task.ID,
		Condition: "task_near_timeout",
		Severity:  observability.SeverityMedium,
		Message: fmt.Sprintf("task %s is within %s of its %s timeout",
			task.ID, remaining.Round(time.Second), info.Kind),
		TriggeredAt: time.Now().UTC(),
	}})
}

func (a *warningNotifierAdapter) NotifyTaskFailed(task models.Task, taskErr *models.TaskError) {
	msg := fmt.Sprintf("task %s failed", task.ID)
	if taskErr != nil {
		msg = fmt.Sprintf("task %s failed [%s]: %s", task.ID, taskErr.Code, taskErr.Message)
	}
	_ = a.notifier.Notify([]observability.Alert{{
		ID:          "task-failed-" + task.ID,
		Condition:   "task_failed",
		Severity:    observability.SeverityHigh,
		Message:     msg,
		TriggeredAt: time.Now().UTC(),
	}})
}
