package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/ai-task-delegate/internal/core"
	"github.com/valter-silva-au/ai-task-delegate/internal/observability"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// fakeDelegator implements Delegator over an in-memory task map so the tool
// layer can be exercised without spawning worker processes.
type fakeDelegator struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	order  []string
	nextID int
}

func newFakeDelegator(seed ...models.Task) *fakeDelegator {
	d := &fakeDelegator{tasks: make(map[string]*models.Task)}
	for i := range seed {
		task := seed[i]
		d.tasks[task.ID] = &task
		d.order = append(d.order, task.ID)
	}
	return d
}

func (d *fakeDelegator) StartTask(_ context.Context, req core.StartTaskRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, &models.TaskError{Code: models.ErrValidation, Message: "instruction is required"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	now := time.Now().UTC()
	task := &models.Task{
		ID:           fmt.Sprintf("local-fake%06d", d.nextID),
		Origin:       models.OriginLocal,
		Status:       models.StatusPending,
		Instruction:  req.Instruction,
		WorkingDir:   req.WorkingDir,
		Alias:        req.Alias,
		PollHintSecs: 15,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)
	return task, nil
}

func (d *fakeDelegator) resolve(ref string) (*models.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if task, ok := d.tasks[ref]; ok {
		return task, nil
	}
	for _, task := range d.tasks {
		if task.Alias != "" && task.Alias == ref {
			return task, nil
		}
	}
	return nil, &models.TaskError{Code: models.ErrNotFound, Message: fmt.Sprintf("no task matches %q", ref)}
}

func (d *fakeDelegator) Status(ref string) (*models.Task, error)  { return d.resolve(ref) }
func (d *fakeDelegator) Results(ref string) (*models.Task, error) { return d.resolve(ref) }

func (d *fakeDelegator) Cancel(ref string) (*models.Task, error) {
	task, err := d.resolve(ref)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !task.Status.IsTerminal() {
		now := time.Now().UTC()
		task.Status = models.StatusCanceled
		task.CompletedAt = &now
	}
	return task, nil
}

func (d *fakeDelegator) List(filter models.TaskFilter) ([]models.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Task
	for i := len(d.order) - 1; i >= 0; i-- {
		task := d.tasks[d.order[i]]
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.WorkingDir != "" && task.WorkingDir != filter.WorkingDir {
			continue
		}
		out = append(out, *task)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func workingTask(id string) models.Task {
	progress, _ := json.Marshal(models.ProgressSummary{
		CurrentAction:  "running tests",
		CompletedSteps: 2,
		TotalSteps:     4,
		Percent:        50,
		FilesChanged:   1,
		CommandsRun:    3,
	})
	return models.Task{
		ID:           id,
		Origin:       models.OriginLocal,
		Status:       models.StatusWorking,
		Instruction:  "fix the login bug",
		WorkingDir:   "/repo",
		Steps:        string(progress),
		PollHintSecs: 15,
		CreatedAt:    time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 8, 15, 10, 5, 0, 0, time.UTC),
	}
}

func finishedTask(id string, status models.TaskStatus) models.Task {
	task := workingTask(id)
	task.Status = status
	task.Result = "all done"
	completed := time.Date(2026, 8, 15, 10, 10, 0, 0, time.UTC)
	task.CompletedAt = &completed
	return task
}

// newEventLog creates a JSONL event log in a temp dir for observability tests.
func newEventLog(t *testing.T) observability.EventLog {
	t.Helper()
	log, err := observability.NewJSONLEventLog(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("creating event log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// callTool is a helper that connects a client to the server and calls a tool.
func callTool(t *testing.T, srv *Server, toolName string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)

	t1, t2 := gomcp.NewInMemoryTransports()

	// Connect server (non-blocking).
	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call tool %s: %v", toolName, err)
	}

	return result
}

// callToolAllowError is like callTool but returns nil instead of failing when
// the tool call returns an error (e.g. schema validation failure).
func callToolAllowError(t *testing.T, srv *Server, toolName string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)

	t1, t2 := gomcp.NewInMemoryTransports()

	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		// Protocol-level error (e.g. schema validation) -- return nil.
		return nil
	}

	return result
}

// decodeResult unmarshals a tool result into out, preferring structured
// content and falling back to the text payload.
func decodeResult(t *testing.T, result *gomcp.CallToolResult, out any) {
	t.Helper()
	if result.StructuredContent != nil {
		data, err := json.Marshal(result.StructuredContent)
		if err != nil {
			t.Fatalf("marshaling structured content: %v", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshaling structured content: %v", err)
		}
		return
	}
	if err := json.Unmarshal([]byte(extractText(result)), out); err != nil {
		t.Fatalf("unmarshaling tool output: %v", err)
	}
}

// --- Tests ---

func TestStartTask(t *testing.T) {
	d := newFakeDelegator()
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "start_task", map[string]any{
		"instruction": "add a retry to the uploader",
		"alias":       "uploader-retry",
	})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out startTaskOutput
	decodeResult(t, result, &out)

	if !strings.HasPrefix(out.TaskID, "local-") {
		t.Errorf("task id = %q, want local- prefix", out.TaskID)
	}
	if out.Status != "pending" {
		t.Errorf("status = %q, want pending", out.Status)
	}
	if out.PollAfterSecs != 15 {
		t.Errorf("poll hint = %d, want 15", out.PollAfterSecs)
	}
	if !strings.Contains(out.Message, out.TaskID) {
		t.Errorf("message %q should name the task id", out.Message)
	}
}

func TestStartTaskMissingInstruction(t *testing.T) {
	d := newFakeDelegator()
	srv := NewServer(d, nil, nil, "test")

	result := callToolAllowError(t, srv, "start_task", map[string]any{})
	if result != nil && !result.IsError {
		t.Fatal("expected an error for a missing instruction")
	}
}

func TestStartTaskBlankInstruction(t *testing.T) {
	d := newFakeDelegator()
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "start_task", map[string]any{"instruction": "   "})
	if !result.IsError {
		t.Fatal("expected an error for a blank instruction")
	}
	if !strings.Contains(extractText(result), "instruction") {
		t.Errorf("error %q should mention the instruction", extractText(result))
	}
}

func TestGetTaskStatus(t *testing.T) {
	d := newFakeDelegator(workingTask("local-abc123"))
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_task_status", map[string]any{"task": "local-abc123"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out taskStatusOutput
	decodeResult(t, result, &out)

	if out.TaskID != "local-abc123" {
		t.Errorf("task id = %q", out.TaskID)
	}
	if out.Status != "working" || out.Terminal {
		t.Errorf("status = %q terminal = %v, want a non-terminal working task", out.Status, out.Terminal)
	}
	if out.PollAfterSecs != 15 {
		t.Errorf("poll hint = %d, want 15 while non-terminal", out.PollAfterSecs)
	}
	if out.Progress == nil {
		t.Fatal("expected inferred progress")
	}
	if out.Progress.Percent != 50 || out.Progress.CompletedSteps != 2 {
		t.Errorf("progress = %+v, want 2/4 steps at 50%%", out.Progress)
	}
	if out.Progress.CurrentAction != "running tests" {
		t.Errorf("current action = %q", out.Progress.CurrentAction)
	}
}

func TestGetTaskStatusTerminal(t *testing.T) {
	d := newFakeDelegator(finishedTask("local-done11", models.StatusCompleted))
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_task_status", map[string]any{"task": "local-done11"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out taskStatusOutput
	decodeResult(t, result, &out)

	if !out.Terminal {
		t.Error("completed task should be terminal")
	}
	if out.PollAfterSecs != 0 {
		t.Errorf("poll hint = %d, terminal tasks should not advertise one", out.PollAfterSecs)
	}
}

func TestGetTaskStatusByAlias(t *testing.T) {
	task := workingTask("local-abc123")
	task.Alias = "login-fix"
	d := newFakeDelegator(task)
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_task_status", map[string]any{"task": "login-fix"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out taskStatusOutput
	decodeResult(t, result, &out)
	if out.TaskID != "local-abc123" {
		t.Errorf("alias resolved to %q, want local-abc123", out.TaskID)
	}
}

func TestGetTaskStatusNotFound(t *testing.T) {
	d := newFakeDelegator()
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_task_status", map[string]any{"task": "local-nosuch"})
	if !result.IsError {
		t.Fatal("expected an error for an unknown task")
	}
	if !strings.Contains(extractText(result), "local-nosuch") {
		t.Errorf("error %q should name the missing ref", extractText(result))
	}
}

func TestGetTaskStatusMissingRef(t *testing.T) {
	d := newFakeDelegator()
	srv := NewServer(d, nil, nil, "test")

	result := callToolAllowError(t, srv, "get_task_status", map[string]any{})
	if result != nil && !result.IsError {
		t.Fatal("expected an error when no task ref is given")
	}
}

func TestGetTaskResults(t *testing.T) {
	d := newFakeDelegator(finishedTask("local-done11", models.StatusCompleted))
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_task_results", map[string]any{"task": "local-done11"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out taskResultsOutput
	decodeResult(t, result, &out)

	if out.Status != "completed" || !out.Terminal {
		t.Errorf("status = %q terminal = %v", out.Status, out.Terminal)
	}
	if out.Result != "all done" {
		t.Errorf("result = %q, want the final agent message", out.Result)
	}
	if out.Error != nil {
		t.Errorf("error = %+v, want none on success", out.Error)
	}
	if out.Completed == "" {
		t.Error("expected a completion timestamp")
	}
}

func TestGetTaskResultsFailedTask(t *testing.T) {
	task := finishedTask("local-bad001", models.StatusFailed)
	task.Result = ""
	errJSON, _ := json.Marshal(models.TaskError{
		Code:       models.ErrAuth,
		Message:    "worker reported an authentication failure",
		Suggestion: "run the worker's login command and retry",
	})
	task.Error = string(errJSON)
	d := newFakeDelegator(task)
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_task_results", map[string]any{"task": "local-bad001"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out taskResultsOutput
	decodeResult(t, result, &out)

	if out.Error == nil {
		t.Fatal("expected a structured error")
	}
	if out.Error.Code != "AUTH_ERROR" {
		t.Errorf("error code = %q, want AUTH_ERROR", out.Error.Code)
	}
	if out.Error.Suggestion == "" {
		t.Error("expected a remediation suggestion")
	}
}

func TestCancelTaskRunning(t *testing.T) {
	d := newFakeDelegator(workingTask("local-abc123"))
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "cancel_task", map[string]any{"task": "local-abc123"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out cancelTaskOutput
	decodeResult(t, result, &out)

	if out.Status != "canceled" {
		t.Errorf("status = %q, want canceled", out.Status)
	}
	if !strings.Contains(out.Message, "canceled") {
		t.Errorf("message = %q", out.Message)
	}
}

func TestCancelTaskAlreadyFinished(t *testing.T) {
	d := newFakeDelegator(finishedTask("local-done11", models.StatusCompleted))
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "cancel_task", map[string]any{"task": "local-done11"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out cancelTaskOutput
	decodeResult(t, result, &out)

	if out.Status != "completed" {
		t.Errorf("status = %q, a finished task must keep its outcome", out.Status)
	}
	if !strings.Contains(out.Message, "already finished") {
		t.Errorf("message = %q, want an already-finished notice", out.Message)
	}
}

func TestListTasks(t *testing.T) {
	d := newFakeDelegator(
		workingTask("local-aaa111"),
		finishedTask("local-bbb222", models.StatusCompleted),
		finishedTask("local-ccc333", models.StatusFailed),
	)
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "list_tasks", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out listTasksOutput
	decodeResult(t, result, &out)

	if out.Count != 3 {
		t.Fatalf("count = %d, want 3", out.Count)
	}
	if out.Tasks[0].TaskID != "local-ccc333" {
		t.Errorf("first task = %q, want newest first", out.Tasks[0].TaskID)
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	d := newFakeDelegator(
		workingTask("local-aaa111"),
		finishedTask("local-bbb222", models.StatusCompleted),
		finishedTask("local-ccc333", models.StatusFailed),
	)
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "list_tasks", map[string]any{"status": "failed"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out listTasksOutput
	decodeResult(t, result, &out)

	if out.Count != 1 || out.Tasks[0].TaskID != "local-ccc333" {
		t.Errorf("filtered tasks = %+v, want only the failed one", out.Tasks)
	}
}

func TestGetMetrics(t *testing.T) {
	log := newEventLog(t)
	now := time.Now().UTC()
	events := []observability.Event{
		{Time: now.Add(-30 * time.Minute), Level: "INFO", Type: "task.created",
			Data: map[string]any{"task_id": "local-aaa111"}},
		{Time: now.Add(-20 * time.Minute), Level: "INFO", Type: "task.finished",
			Data: map[string]any{"task_id": "local-aaa111", "status": "completed"}},
		{Time: now.Add(-10 * time.Minute), Level: "ERROR", Type: "task.finished",
			Data: map[string]any{"task_id": "local-bbb222", "status": "failed", "error_code": "TIMEOUT"}},
	}
	for _, e := range events {
		if err := log.Write(e); err != nil {
			t.Fatalf("writing event: %v", err)
		}
	}

	d := newFakeDelegator()
	srv := NewServer(d, observability.NewMetricsCalculator(log), nil, "test")

	result := callTool(t, srv, "get_metrics", map[string]any{"since": "24h"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out metricsOutput
	decodeResult(t, result, &out)

	if out.TasksStarted != 1 {
		t.Errorf("tasks started = %d, want 1", out.TasksStarted)
	}
	if out.TasksFinished != 2 {
		t.Errorf("tasks finished = %d, want 2", out.TasksFinished)
	}
	if out.ErrorsByCode["TIMEOUT"] != 1 {
		t.Errorf("errors by code = %v, want one TIMEOUT", out.ErrorsByCode)
	}
	if out.EventCount != 3 {
		t.Errorf("event count = %d, want 3", out.EventCount)
	}
}

func TestGetMetricsDisabled(t *testing.T) {
	d := newFakeDelegator()
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_metrics", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error when metrics calculator is nil")
	}
	if !strings.Contains(extractText(result), "not available") {
		t.Errorf("error = %q", extractText(result))
	}
}

func TestGetMetricsBadSince(t *testing.T) {
	log := newEventLog(t)
	d := newFakeDelegator()
	srv := NewServer(d, observability.NewMetricsCalculator(log), nil, "test")

	result := callTool(t, srv, "get_metrics", map[string]any{"since": "lately"})
	if !result.IsError {
		t.Fatal("expected error for an unparseable window")
	}
}

func TestGetAlerts(t *testing.T) {
	log := newEventLog(t)
	now := time.Now().UTC()
	for i, id := range []string{"local-a", "local-b", "local-c"} {
		e := observability.Event{
			Time:  now.Add(-time.Duration(i+1) * time.Minute),
			Level: "ERROR",
			Type:  "task.finished",
			Data:  map[string]any{"task_id": id, "status": "failed", "error_code": "EXIT_ERROR"},
		}
		if err := log.Write(e); err != nil {
			t.Fatalf("writing event: %v", err)
		}
	}

	d := newFakeDelegator()
	engine := observability.NewAlertEngine(log, observability.DefaultAlertThresholds())
	srv := NewServer(d, nil, engine, "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out getAlertsOutput
	decodeResult(t, result, &out)

	if out.Count == 0 {
		t.Fatal("expected at least one alert for a failure burst")
	}
	found := false
	for _, a := range out.Alerts {
		if a.Condition == "failure_burst" {
			found = true
			if a.Severity != "high" {
				t.Errorf("failure_burst severity = %q, want high", a.Severity)
			}
		}
	}
	if !found {
		t.Errorf("alerts = %+v, want a failure_burst", out.Alerts)
	}
}

func TestGetAlertsDisabled(t *testing.T) {
	d := newFakeDelegator()
	srv := NewServer(d, nil, nil, "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error when alert engine is nil")
	}
}

func TestGetAlertsEmpty(t *testing.T) {
	log := newEventLog(t)
	d := newFakeDelegator()
	engine := observability.NewAlertEngine(log, observability.DefaultAlertThresholds())
	srv := NewServer(d, nil, engine, "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out getAlertsOutput
	decodeResult(t, result, &out)
	if out.Count != 0 {
		t.Errorf("expected 0 alerts, got %d", out.Count)
	}
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"7d", false},
		{"30d", false},
		{"24h", false},
		{"1h", false},
		{"", true},
		{"x", true},
		{"7x", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := parseSince(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseSince(%q) error = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

// extractText extracts the text from the first TextContent in a CallToolResult.
func extractText(result *gomcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
