package core

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
)

// TestPropertyPercentMonotonicForTurnShapedStreams verifies that for the
// worker's normal turn shape (all items started before any complete, then the
// turn completes), the reported percentage never decreases and ends at 100.
func TestPropertyPercentMonotonicForTurnShapedStreams(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 10).Draw(t, "items")
		pt := NewProgressTracker()
		now := time.Now()

		pt.ProcessEvent(protocol.Event{Type: protocol.TurnStarted, TurnID: "t1", ReceivedAt: now})
		last := pt.Snapshot().Percent

		check := func(label string) {
			cur := pt.Snapshot().Percent
			if cur < last {
				t.Fatalf("%s: percent retreated %d -> %d", label, last, cur)
			}
			if cur < 0 || cur > 100 {
				t.Fatalf("%s: percent %d out of range", label, cur)
			}
			last = cur
		}

		for i := 0; i < n; i++ {
			pt.ProcessEvent(protocol.Event{
				Type:       protocol.ItemStarted,
				ItemID:     fmt.Sprintf("i%d", i),
				Item:       &protocol.ItemPayload{Kind: protocol.ItemCommandExec},
				ReceivedAt: now,
			})
			check("item.started")
		}
		for i := 0; i < n; i++ {
			pt.ProcessEvent(protocol.Event{
				Type:       protocol.ItemCompleted,
				ItemID:     fmt.Sprintf("i%d", i),
				Item:       &protocol.ItemPayload{Kind: protocol.ItemCommandExec},
				ReceivedAt: now,
			})
			check("item.completed")
		}

		pt.ProcessEvent(protocol.Event{Type: protocol.TurnCompleted, TurnID: "t1", ReceivedAt: now})
		final := pt.Snapshot()
		if final.Percent != 100 {
			t.Fatalf("final percent = %d, want 100", final.Percent)
		}
		if !final.IsComplete {
			t.Fatal("final snapshot not complete")
		}
		if final.CommandsRun != n {
			t.Fatalf("CommandsRun = %d, want %d", final.CommandsRun, n)
		}
	})
}

// TestPropertyCompletionAlwaysReadsFull verifies the forced-100 override for
// any interleaving of item events before the terminal turn event.
func TestPropertyCompletionAlwaysReadsFull(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pt := NewProgressTracker()
		now := time.Now()
		n := rapid.IntRange(0, 15).Draw(t, "events")
		for i := 0; i < n; i++ {
			typ := rapid.SampledFrom([]protocol.EventType{
				protocol.ItemStarted, protocol.ItemCompleted, protocol.ItemUpdated,
			}).Draw(t, fmt.Sprintf("type%d", i))
			id := fmt.Sprintf("i%d", rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("id%d", i)))
			pt.ProcessEvent(protocol.Event{Type: typ, ItemID: id, ReceivedAt: now})
		}

		terminal := rapid.SampledFrom([]protocol.EventType{
			protocol.TurnCompleted, protocol.TurnFailed,
		}).Draw(t, "terminal")
		pt.ProcessEvent(protocol.Event{Type: terminal, TurnID: "t1", ReceivedAt: now})

		got := pt.Snapshot()
		if got.Percent != 100 {
			t.Fatalf("terminal percent = %d, want 100", got.Percent)
		}
		if !got.IsComplete {
			t.Fatal("terminal snapshot not complete")
		}
		if terminal == protocol.TurnFailed && !got.HasFailed {
			t.Fatal("turn.failed did not set HasFailed")
		}
	})
}
