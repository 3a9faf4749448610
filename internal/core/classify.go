package core

import (
	"fmt"
	"strings"

	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// ExecOutcome is everything the classifier needs to know about a completed or
// aborted worker execution. The spawner fills it for every terminal outcome it
// can observe, so downstream error handling is uniform pattern matching.
type ExecOutcome struct {
	Events   []protocol.Event
	Stdout   string
	Stderr   string
	ExitCode int
	// Signal is the name of the signal that terminated the process, if any.
	Signal string
	// SpawnErr is set when the process never started.
	SpawnErr error
	// Timeout is set when the watchdog ended the execution.
	Timeout *TimeoutInfo
	// GracefulKill reports that the termination signal came from our own
	// timeout or cancellation escalation rather than an outside actor.
	GracefulKill bool
}

// classifier detail bounds: enough tail for diagnosis, no unbounded growth.
const (
	classifyEventLimit  = 50
	classifyOutputLimit = 2000
)

// diagnosticPattern maps a known worker failure phrase to an actionable error.
// Patterns are checked in order; first match wins.
type diagnosticPattern struct {
	substrings []string
	code       models.ErrorCode
	message    string
	suggestion string
	retryable  bool
}

// The worker is known to suppress diagnostics on some failure paths and to
// print unstructured text on others; this table turns the recognizable ones
// into user-actionable categories instead of raw noise.
var diagnosticPatterns = []diagnosticPattern{
	{
		substrings: []string{"not logged in", "authentication failed", "invalid api key", "401 unauthorized"},
		code:       models.ErrAuth,
		message:    "worker is not authenticated",
		suggestion: "Run the worker's login flow or refresh its API credentials, then retry.",
	},
	{
		substrings: []string{"not inside a trusted directory", "untrusted workspace", "trust this folder"},
		code:       models.ErrTrust,
		message:    "working directory is not trusted by the worker",
		suggestion: "Mark the working directory as trusted in the worker's configuration.",
	},
	{
		substrings: []string{"network is unreachable", "no such host", "connection refused", "connection reset"},
		code:       models.ErrNetwork,
		message:    "worker could not reach its backend",
		suggestion: "Check network connectivity and proxy settings, then retry.",
		retryable:  true,
	},
	{
		substrings: []string{"rate limit", "429", "too many requests"},
		code:       models.ErrRateLimit,
		message:    "worker hit a rate limit",
		suggestion: "Wait a few minutes before retrying, or lower the concurrency setting.",
		retryable:  true,
	},
	{
		substrings: []string{"permission denied", "operation not permitted", "eacces"},
		code:       models.ErrPermissionDenied,
		message:    "worker was denied access to a file or resource",
		suggestion: "Check file ownership and permissions in the working directory.",
	},
	{
		substrings: []string{"timed out", "timeout", "deadline exceeded"},
		code:       models.ErrCLITimeout,
		message:    "worker reported an internal timeout",
		suggestion: "Retry; if it persists, split the instruction into smaller tasks.",
		retryable:  true,
	},
}

// Classify maps a terminal execution outcome to exactly one structured error,
// or nil for genuine success. First match wins, in the documented order.
func Classify(out ExecOutcome) *models.TaskError {
	if out.Timeout != nil {
		return classifyTimeout(out)
	}
	if out.SpawnErr != nil {
		return classifySpawn(out)
	}
	if out.Signal != "" {
		return classifyKilled(out)
	}
	if out.ExitCode == 0 {
		return classifySilent(out)
	}
	return classifyExitFailure(out)
}

func classifyTimeout(out ExecOutcome) *models.TaskError {
	t := out.Timeout
	noun := "silence"
	if t.Kind == models.TimeoutHard {
		noun = "total runtime"
	}
	partial := t.Partial
	if len(partial.LastEvents) > classifyEventLimit {
		partial.LastEvents = partial.LastEvents[len(partial.LastEvents)-classifyEventLimit:]
	}
	partial.OutputTail = tail(partial.OutputTail, classifyOutputLimit)

	return &models.TaskError{
		Code:    models.ErrTimeout,
		Message: fmt.Sprintf("worker exceeded the %s limit after %ds of %s", t.Kind, t.ElapsedMS/1000, noun),
		Suggestion: "Inspect the partial results to decide whether to retry, " +
			"raise the timeout, or split the task.",
		Retryable: false,
		Details: map[string]any{
			"timeout_kind":    string(t.Kind),
			"elapsed_secs":    t.ElapsedMS / 1000,
			"partial_results": partial,
		},
	}
}

func classifySpawn(out ExecOutcome) *models.TaskError {
	// Prefer a recognized diagnostic over the raw spawn error text.
	if te := matchDiagnostics(out); te != nil {
		return te
	}
	msg := out.SpawnErr.Error()
	suggestion := "Check that the worker binary is installed and on PATH."
	if strings.Contains(msg, "executable file not found") || strings.Contains(msg, "no such file") {
		suggestion = "Install the worker CLI or point the config at its full path."
	}
	return &models.TaskError{
		Code:       models.ErrSpawn,
		Message:    "worker process failed to start: " + msg,
		Suggestion: suggestion,
		Details:    map[string]any{"spawn_error": msg},
	}
}

func classifyKilled(out ExecOutcome) *models.TaskError {
	hint := "The process was killed externally; check for resource pressure (OOM killer) or manual intervention."
	if out.GracefulKill || out.Signal == "terminated" || out.Signal == "SIGTERM" {
		hint = "The termination signal matches our own timeout escalation; this usually accompanies a timeout."
	}
	return &models.TaskError{
		Code:    models.ErrProcessKilled,
		Message: fmt.Sprintf("worker process was terminated by signal %s", out.Signal),
		Details: map[string]any{
			"signal": out.Signal,
			"hint":   hint,
		},
	}
}

// classifySilent detects success that left no observable evidence of work: a
// zero exit with no events at all, or a completed turn that never touched a
// file, ran a command, or produced an agent message. Workers are known to
// swallow refusals and upstream permission errors this way.
func classifySilent(out ExecOutcome) *models.TaskError {
	if len(out.Events) == 0 {
		return &models.TaskError{
			Code:    models.ErrSilentFailure,
			Message: "worker exited successfully but emitted no events",
			Suggestion: "The worker likely failed before starting the task. " +
				"Check authentication and that the working directory is trusted.",
			Details: map[string]any{
				"reason":      "no_events",
				"stderr_tail": tail(out.Stderr, classifyOutputLimit),
			},
		}
	}

	var turnCompleted, observableWork bool
	for _, ev := range out.Events {
		switch ev.Type {
		case protocol.TurnCompleted:
			turnCompleted = true
		case protocol.ItemCompleted, protocol.ItemStarted, protocol.ItemUpdated:
			if ev.Item != nil {
				switch ev.Item.Kind {
				case protocol.ItemFileChange, protocol.ItemCommandExec, protocol.ItemAgentMessage:
					observableWork = true
				}
			}
		}
	}

	if turnCompleted && !observableWork {
		return &models.TaskError{
			Code:    models.ErrSilentFailure,
			Message: "worker reported a completed turn with no observable work (no file changes, commands, or messages)",
			Suggestion: "The worker may have silently refused the task. Re-run with a more " +
				"explicit instruction, or check its permission configuration.",
			Details: map[string]any{
				"reason":      "no_observable_work",
				"event_count": len(out.Events),
			},
		}
	}
	return nil
}

func classifyExitFailure(out ExecOutcome) *models.TaskError {
	// A turn.failed event carries the worker's own error payload; trust it
	// over any stderr interpretation.
	for _, ev := range out.Events {
		if ev.Type == protocol.TurnFailed {
			msg := "worker turn failed"
			details := map[string]any{"exit_code": out.ExitCode}
			if ev.Error != nil {
				if ev.Error.Message != "" {
					msg = ev.Error.Message
				}
				details["worker_code"] = ev.Error.Code
			}
			return &models.TaskError{
				Code:    models.ErrTurnFailed,
				Message: msg,
				Details: details,
			}
		}
	}

	if te := matchDiagnostics(out); te != nil {
		return te
	}

	diag := strings.TrimSpace(out.Stderr)
	if diag == "" {
		diag = strings.TrimSpace(out.Stdout)
	}
	if diag != "" {
		return &models.TaskError{
			Code:    models.ErrExit,
			Message: fmt.Sprintf("worker exited with code %d", out.ExitCode),
			Details: map[string]any{
				"exit_code":   out.ExitCode,
				"diagnostics": tail(diag, classifyOutputLimit),
			},
		}
	}
	return &models.TaskError{
		Code:    models.ErrUnknown,
		Message: fmt.Sprintf("worker exited with code %d and produced no diagnostics", out.ExitCode),
		Details: map[string]any{"exit_code": out.ExitCode},
	}
}

func matchDiagnostics(out ExecOutcome) *models.TaskError {
	haystack := strings.ToLower(out.Stderr + "\n" + out.Stdout)
	if out.SpawnErr != nil {
		haystack += "\n" + strings.ToLower(out.SpawnErr.Error())
	}
	for _, p := range diagnosticPatterns {
		for _, s := range p.substrings {
			if strings.Contains(haystack, s) {
				return &models.TaskError{
					Code:       p.code,
					Message:    p.message,
					Suggestion: p.suggestion,
					Retryable:  p.retryable,
					Details: map[string]any{
						"matched":     s,
						"exit_code":   out.ExitCode,
						"diagnostics": tail(strings.TrimSpace(out.Stderr), classifyOutputLimit),
					},
				}
			}
		}
	}
	return nil
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
