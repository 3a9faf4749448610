package core

import (
	"testing"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

func itemEvent(t protocol.EventType, id string, item *protocol.ItemPayload) protocol.Event {
	return protocol.Event{Type: t, ItemID: id, Item: item, ReceivedAt: time.Now()}
}

func turnEvent(t protocol.EventType, id string) protocol.Event {
	return protocol.Event{Type: t, TurnID: id, ReceivedAt: time.Now()}
}

func TestProgressDescriptions(t *testing.T) {
	tests := []struct {
		name string
		item *protocol.ItemPayload
		want string
	}{
		{"file change", &protocol.ItemPayload{Kind: protocol.ItemFileChange, Path: "internal/app.go"}, "Editing internal/app.go"},
		{"command", &protocol.ItemPayload{Kind: protocol.ItemCommandExec, Command: "go test ./..."}, "Running command: go test ./..."},
		{"agent message", &protocol.ItemPayload{Kind: protocol.ItemAgentMessage}, "Writing response"},
		{"unknown kind", &protocol.ItemPayload{Kind: "web_search"}, "Working on web_search"},
		{"nil payload", nil, "Working"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt := NewProgressTracker()
			pt.ProcessEvent(itemEvent(protocol.ItemStarted, "i1", tt.item))
			got := pt.Snapshot()
			if got.CurrentAction != tt.want {
				t.Errorf("CurrentAction = %q, want %q", got.CurrentAction, tt.want)
			}
		})
	}
}

func TestProgressCountsWorkByKind(t *testing.T) {
	pt := NewProgressTracker()
	pt.ProcessEvent(turnEvent(protocol.TurnStarted, "t1"))
	pt.ProcessEvent(itemEvent(protocol.ItemStarted, "i1", &protocol.ItemPayload{Kind: protocol.ItemFileChange, Path: "a.go"}))
	pt.ProcessEvent(itemEvent(protocol.ItemCompleted, "i1", &protocol.ItemPayload{Kind: protocol.ItemFileChange, Path: "a.go"}))
	pt.ProcessEvent(itemEvent(protocol.ItemStarted, "i2", &protocol.ItemPayload{Kind: protocol.ItemCommandExec, Command: "make"}))
	pt.ProcessEvent(itemEvent(protocol.ItemCompleted, "i2", &protocol.ItemPayload{Kind: protocol.ItemCommandExec, Command: "make"}))

	got := pt.Snapshot()
	if got.FilesChanged != 1 {
		t.Errorf("FilesChanged = %d, want 1", got.FilesChanged)
	}
	if got.CommandsRun != 1 {
		t.Errorf("CommandsRun = %d, want 1", got.CommandsRun)
	}
	if got.IsComplete {
		t.Error("IsComplete before turn.completed")
	}
}

func TestProgressForcedToFullOnCompletion(t *testing.T) {
	pt := NewProgressTracker()
	pt.ProcessEvent(turnEvent(protocol.TurnStarted, "t1"))
	pt.ProcessEvent(itemEvent(protocol.ItemStarted, "i1", &protocol.ItemPayload{Kind: protocol.ItemReasoning}))
	// i1 never completes; the turn does.
	pt.ProcessEvent(turnEvent(protocol.TurnCompleted, "t1"))

	got := pt.Snapshot()
	if !got.IsComplete {
		t.Fatal("IsComplete = false after turn.completed")
	}
	if got.Percent != 100 {
		t.Errorf("Percent = %d, want forced 100", got.Percent)
	}
	if got.CurrentAction != "" {
		t.Errorf("CurrentAction = %q after completion, want empty", got.CurrentAction)
	}
}

func TestProgressTurnFailedIsTerminal(t *testing.T) {
	pt := NewProgressTracker()
	pt.ProcessEvent(turnEvent(protocol.TurnStarted, "t1"))
	pt.ProcessEvent(turnEvent(protocol.TurnFailed, "t1"))

	got := pt.Snapshot()
	if !got.HasFailed {
		t.Error("HasFailed = false after turn.failed")
	}
	if !got.IsComplete {
		t.Error("IsComplete = false after turn.failed; failure is terminal like success")
	}
}

func TestProgressUpdateMergesWithoutStatusChange(t *testing.T) {
	pt := NewProgressTracker()
	pt.ProcessEvent(itemEvent(protocol.ItemStarted, "i1", &protocol.ItemPayload{Kind: protocol.ItemFileChange}))
	pt.ProcessEvent(itemEvent(protocol.ItemUpdated, "i1", &protocol.ItemPayload{Kind: protocol.ItemFileChange, Path: "b.go"}))

	got := pt.Snapshot()
	if got.CurrentAction != "Editing b.go" {
		t.Errorf("CurrentAction = %q, want merged path description", got.CurrentAction)
	}
	if got.CompletedSteps != 0 {
		t.Errorf("CompletedSteps = %d after item.updated, want 0", got.CompletedSteps)
	}
}

func TestProgressPercentFloorsTotalAtOne(t *testing.T) {
	pt := NewProgressTracker()
	got := pt.Snapshot()
	if got.Percent != 0 {
		t.Errorf("empty tracker Percent = %d, want 0", got.Percent)
	}
	if got.TotalSteps != 0 {
		t.Errorf("empty tracker TotalSteps = %d, want 0", got.TotalSteps)
	}
}

func TestProgressReset(t *testing.T) {
	pt := NewProgressTracker()
	pt.ProcessEvent(turnEvent(protocol.TurnStarted, "t1"))
	pt.ProcessEvent(turnEvent(protocol.TurnCompleted, "t1"))
	pt.Reset()

	got := pt.Snapshot()
	if got.TotalSteps != 0 || got.IsComplete || got.Percent != 0 {
		t.Errorf("after Reset got %+v, want zero state", got)
	}
}

func TestProgressSnapshotIsDetached(t *testing.T) {
	pt := NewProgressTracker()
	pt.ProcessEvent(itemEvent(protocol.ItemStarted, "i1", &protocol.ItemPayload{Kind: protocol.ItemReasoning}))

	snap := pt.Snapshot()
	snap.Steps[0].Status = models.StepFailed

	again := pt.Snapshot()
	if again.Steps[0].Status != models.StepStarted {
		t.Error("mutating a snapshot leaked into tracker state")
	}
}
