// Package mcp provides an MCP (Model Context Protocol) server that exposes
// task delegation as MCP tools for AI coding assistants.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/ai-task-delegate/internal/core"
	"github.com/valter-silva-au/ai-task-delegate/internal/observability"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// Delegator is the orchestrator surface the MCP tools need.
type Delegator interface {
	StartTask(ctx context.Context, req core.StartTaskRequest) (*models.Task, error)
	Status(ref string) (*models.Task, error)
	Results(ref string) (*models.Task, error)
	Cancel(ref string) (*models.Task, error)
	List(filter models.TaskFilter) ([]models.Task, error)
}

// Server wraps the orchestrator and exposes it as MCP tools.
type Server struct {
	server      *gomcp.Server
	orch        Delegator
	metricsCalc observability.MetricsCalculator
	alertEngine observability.AlertEngine
}

// NewServer creates a new MCP server around the orchestrator.
// metricsCalc and alertEngine may be nil if observability is disabled.
func NewServer(orch Delegator, metricsCalc observability.MetricsCalculator, alertEngine observability.AlertEngine, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{
		orch:        orch,
		metricsCalc: metricsCalc,
		alertEngine: alertEngine,
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "atd", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects
// or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type startTaskInput struct {
	Instruction     string `json:"instruction" jsonschema:"required,the task for the worker to carry out"`
	WorkingDir      string `json:"working_dir,omitempty" jsonschema:"directory the worker runs in"`
	Worker          string `json:"worker,omitempty" jsonschema:"configured worker profile name; defaults to the default_worker setting"`
	Model           string `json:"model,omitempty" jsonschema:"model override passed to the worker"`
	Mode            string `json:"mode,omitempty" jsonschema:"execution mode: read-only, auto, or full-auto"`
	Alias           string `json:"alias,omitempty" jsonschema:"human-friendly name to address the task by later"`
	SessionID       string `json:"session_id,omitempty" jsonschema:"caller session for grouping tasks"`
	IdleTimeoutSecs int    `json:"idle_timeout_secs,omitempty" jsonschema:"override for the inactivity timeout"`
	HardTimeoutSecs int    `json:"hard_timeout_secs,omitempty" jsonschema:"override for the wall-clock timeout"`
}

type startTaskOutput struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	PollAfterSecs int    `json:"poll_after_secs"`
	Message       string `json:"message"`
}

type taskRefInput struct {
	Task string `json:"task" jsonschema:"required,task ID, external ID, or alias"`
}

type progressOutput struct {
	CurrentAction  string `json:"current_action,omitempty"`
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps"`
	Percent        int    `json:"percent"`
	FilesChanged   int    `json:"files_changed"`
	CommandsRun    int    `json:"commands_run"`
}

type taskStatusOutput struct {
	TaskID        string          `json:"task_id"`
	Alias         string          `json:"alias,omitempty"`
	Origin        string          `json:"origin"`
	Status        string          `json:"status"`
	Terminal      bool            `json:"terminal"`
	Progress      *progressOutput `json:"progress,omitempty"`
	PollAfterSecs int             `json:"poll_after_secs,omitempty"`
	Created       string          `json:"created"`
	Updated       string          `json:"updated"`
	LastEvent     string          `json:"last_event,omitempty"`
}

type taskErrorOutput struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
}

type taskResultsOutput struct {
	TaskID    string           `json:"task_id"`
	Status    string           `json:"status"`
	Terminal  bool             `json:"terminal"`
	Result    string           `json:"result,omitempty"`
	Error     *taskErrorOutput `json:"error,omitempty"`
	Progress  *progressOutput  `json:"progress,omitempty"`
	Completed string           `json:"completed,omitempty"`
}

type cancelTaskOutput struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type listTasksInput struct {
	Status     string `json:"status,omitempty" jsonschema:"filter by status (pending, working, completed, completed_with_warnings, completed_with_errors, failed, canceled, unknown)"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"filter by working directory"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of tasks to return"`
}

type listTasksOutput struct {
	Tasks []taskStatusOutput `json:"tasks"`
	Count int                `json:"count"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 30d, 24h). Defaults to 7d."`
}

type metricsOutput struct {
	TasksStarted    int            `json:"tasks_started"`
	TasksFinished   int            `json:"tasks_finished"`
	TasksCanceled   int            `json:"tasks_canceled"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	ErrorsByCode    map[string]int `json:"errors_by_code"`
	TimeoutWarnings int            `json:"timeout_warnings"`
	TasksReclaimed  int            `json:"tasks_reclaimed"`
	EventCount      int            `json:"event_count"`
	OldestEvent     string         `json:"oldest_event,omitempty"`
	NewestEvent     string         `json:"newest_event,omitempty"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name: "start_task",
		Description: "Delegate a task to a background worker and return immediately. " +
			"The returned task_id is used with get_task_status to poll for completion.",
	}, s.handleStartTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task_status",
		Description: "Get a task's current status and inferred progress. Poll this until the status is terminal.",
	}, s.handleGetTaskStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task_results",
		Description: "Get a finished task's result, or its structured error with a suggested remedy.",
	}, s.handleGetTaskResults)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "cancel_task",
		Description: "Cancel a running task, terminating its worker process. Canceling a finished task is a no-op.",
	}, s.handleCancelTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tasks",
		Description: "List delegated tasks, newest first, with optional status and directory filters.",
	}, s.handleListTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get aggregated delegation metrics from the event log: task counts, error codes, timeout warnings.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate and return active alerts (failure bursts, repeated error codes, tasks near timeout).",
	}, s.handleGetAlerts)
}

// --- Tool handlers ---

func (s *Server) handleStartTask(ctx context.Context, _ *gomcp.CallToolRequest, input startTaskInput) (*gomcp.CallToolResult, startTaskOutput, error) {
	req := core.StartTaskRequest{
		Instruction: input.Instruction,
		WorkingDir:  input.WorkingDir,
		Worker:      input.Worker,
		Model:       input.Model,
		Mode:        models.ExecMode(input.Mode),
		Alias:       input.Alias,
		SessionID:   input.SessionID,
		IdleTimeout: time.Duration(input.IdleTimeoutSecs) * time.Second,
		HardTimeout: time.Duration(input.HardTimeoutSecs) * time.Second,
	}
	task, err := s.orch.StartTask(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("starting task: %s", err)), startTaskOutput{}, nil
	}

	out := startTaskOutput{
		TaskID:        task.ID,
		Status:        string(task.Status),
		PollAfterSecs: task.PollHintSecs,
		Message: fmt.Sprintf("task %s started; poll get_task_status in about %d seconds",
			task.ID, task.PollHintSecs),
	}
	return nil, out, nil
}

func (s *Server) handleGetTaskStatus(_ context.Context, _ *gomcp.CallToolRequest, input taskRefInput) (*gomcp.CallToolResult, taskStatusOutput, error) {
	if input.Task == "" {
		return errorResult("task is required"), taskStatusOutput{}, nil
	}
	task, err := s.orch.Status(input.Task)
	if err != nil {
		return errorResult(fmt.Sprintf("getting task %s: %s", input.Task, err)), taskStatusOutput{}, nil
	}
	return nil, taskToStatusOutput(task), nil
}

func (s *Server) handleGetTaskResults(_ context.Context, _ *gomcp.CallToolRequest, input taskRefInput) (*gomcp.CallToolResult, taskResultsOutput, error) {
	if input.Task == "" {
		return errorResult("task is required"), taskResultsOutput{}, nil
	}
	task, err := s.orch.Results(input.Task)
	if err != nil {
		return errorResult(fmt.Sprintf("getting results for %s: %s", input.Task, err)), taskResultsOutput{}, nil
	}

	out := taskResultsOutput{
		TaskID:   task.ID,
		Status:   string(task.Status),
		Terminal: task.Status.IsTerminal(),
		Result:   task.Result,
		Progress: parseProgress(task.Steps),
	}
	if te := parseTaskError(task.Error); te != nil {
		out.Error = &taskErrorOutput{
			Code:       string(te.Code),
			Message:    te.Message,
			Suggestion: te.Suggestion,
			Retryable:  te.Retryable,
			Details:    te.Details,
		}
	}
	if task.CompletedAt != nil {
		out.Completed = task.CompletedAt.Format(time.RFC3339)
	}
	return nil, out, nil
}

func (s *Server) handleCancelTask(_ context.Context, _ *gomcp.CallToolRequest, input taskRefInput) (*gomcp.CallToolResult, cancelTaskOutput, error) {
	if input.Task == "" {
		return errorResult("task is required"), cancelTaskOutput{}, nil
	}
	task, err := s.orch.Cancel(input.Task)
	if err != nil {
		return errorResult(fmt.Sprintf("canceling task %s: %s", input.Task, err)), cancelTaskOutput{}, nil
	}

	msg := fmt.Sprintf("task %s canceled", task.ID)
	if task.Status != models.StatusCanceled {
		msg = fmt.Sprintf("task %s already finished with status %s", task.ID, task.Status)
	}
	return nil, cancelTaskOutput{TaskID: task.ID, Status: string(task.Status), Message: msg}, nil
}

func (s *Server) handleListTasks(_ context.Context, _ *gomcp.CallToolRequest, input listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	filter := models.TaskFilter{
		Status:     models.TaskStatus(input.Status),
		WorkingDir: input.WorkingDir,
		Limit:      input.Limit,
	}
	tasks, err := s.orch.List(filter)
	if err != nil {
		return errorResult(fmt.Sprintf("listing tasks: %s", err)), listTasksOutput{}, nil
	}

	out := listTasksOutput{
		Tasks: make([]taskStatusOutput, len(tasks)),
		Count: len(tasks),
	}
	for i := range tasks {
		out.Tasks[i] = taskToStatusOutput(&tasks[i])
	}
	return nil, out, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.metricsCalc == nil {
		return errorResult("metrics calculator not available (observability may be disabled)"), emptyMetricsOutput(), nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}
	sinceTime, err := parseSince(sinceStr)
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), emptyMetricsOutput(), nil
	}

	metrics, err := s.metricsCalc.Calculate(sinceTime)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), emptyMetricsOutput(), nil
	}

	out := metricsOutput{
		TasksStarted:    metrics.TasksStarted,
		TasksFinished:   metrics.TasksFinished,
		TasksCanceled:   metrics.TasksCanceled,
		TasksByStatus:   metrics.TasksByStatus,
		ErrorsByCode:    metrics.ErrorsByCode,
		TimeoutWarnings: metrics.TimeoutWarnings,
		TasksReclaimed:  metrics.TasksReclaimed,
		EventCount:      metrics.EventCount,
	}
	if metrics.OldestEvent != nil {
		out.OldestEvent = metrics.OldestEvent.Format(time.RFC3339)
	}
	if metrics.NewestEvent != nil {
		out.NewestEvent = metrics.NewestEvent.Format(time.RFC3339)
	}
	return nil, out, nil
}

func (s *Server) handleGetAlerts(_ context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.alertEngine == nil {
		return errorResult("alert engine not available (observability may be disabled)"), getAlertsOutput{}, nil
	}

	alerts, err := s.alertEngine.Evaluate()
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{}, nil
	}

	out := getAlertsOutput{
		Alerts: make([]alertOutput, len(alerts)),
		Count:  len(alerts),
	}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}
	return nil, out, nil
}

// --- Helpers ---

func taskToStatusOutput(t *models.Task) taskStatusOutput {
	out := taskStatusOutput{
		TaskID:   t.ID,
		Alias:    t.Alias,
		Origin:   string(t.Origin),
		Status:   string(t.Status),
		Terminal: t.Status.IsTerminal(),
		Progress: parseProgress(t.Steps),
		Created:  t.CreatedAt.Format(time.RFC3339),
		Updated:  t.UpdatedAt.Format(time.RFC3339),
	}
	if !out.Terminal {
		out.PollAfterSecs = t.PollHintSecs
	}
	if t.LastEventAt != nil {
		out.LastEvent = t.LastEventAt.Format(time.RFC3339)
	}
	return out
}

func parseProgress(steps string) *progressOutput {
	if steps == "" {
		return nil
	}
	var snap models.ProgressSummary
	if err := json.Unmarshal([]byte(steps), &snap); err != nil {
		return nil
	}
	return &progressOutput{
		CurrentAction:  snap.CurrentAction,
		CompletedSteps: snap.CompletedSteps,
		TotalSteps:     snap.TotalSteps,
		Percent:        snap.Percent,
		FilesChanged:   snap.FilesChanged,
		CommandsRun:    snap.CommandsRun,
	}
}

func parseTaskError(raw string) *models.TaskError {
	if raw == "" {
		return nil
	}
	var te models.TaskError
	if err := json.Unmarshal([]byte(raw), &te); err != nil {
		return nil
	}
	return &te
}

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		TasksByStatus: make(map[string]int),
		ErrorsByCode:  make(map[string]int),
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// parseSince parses a human-friendly duration string like "7d", "30d", or "24h"
// into the corresponding time in the past.
func parseSince(s string) (time.Time, error) {
	now := time.Now().UTC()

	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d or h)", string(suffix))
	}
}
