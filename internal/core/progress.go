package core

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// ProgressTracker infers a human-meaningful progress summary from the raw
// worker event stream. It keeps one step record per turn and per item; the
// step total is the count of distinct records seen so far, not a
// known-in-advance plan, so the percentage is an approximation that is
// corrected to exactly 100 once the run reports completion.
type ProgressTracker struct {
	mu sync.Mutex

	steps map[string]*stepRecord
	seq   int

	filesChanged int
	commandsRun  int
	isComplete   bool
	hasFailed    bool
}

type stepRecord struct {
	key         string
	description string
	status      models.StepStatus
	startedAt   time.Time
	seq         int
}

// NewProgressTracker returns an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{steps: make(map[string]*stepRecord)}
}

// Reset clears all accumulated state so the tracker can be reused for a new task.
func (pt *ProgressTracker) Reset() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.steps = make(map[string]*stepRecord)
	pt.seq = 0
	pt.filesChanged = 0
	pt.commandsRun = 0
	pt.isComplete = false
	pt.hasFailed = false
}

// ProcessEvent folds one worker event into the tracker.
func (pt *ProgressTracker) ProcessEvent(ev protocol.Event) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	switch ev.Type {
	case protocol.TurnStarted:
		pt.startStep(turnKey(ev.TurnID), "Starting turn", ev.ReceivedAt)
	case protocol.ItemStarted:
		pt.startStep(itemKey(ev, ev.ItemID), describeItem(ev.Item), ev.ReceivedAt)
	case protocol.ItemUpdated:
		pt.mergeStep(itemKey(ev, ev.ItemID), ev)
	case protocol.ItemCompleted:
		pt.completeStep(itemKey(ev, ev.ItemID), ev)
		pt.countItem(ev.Item)
	case protocol.TurnCompleted:
		pt.completeStep(turnKey(ev.TurnID), ev)
		pt.isComplete = true
	case protocol.TurnFailed:
		pt.failStep(turnKey(ev.TurnID), ev.ReceivedAt)
		// A failed turn is terminal exactly like a successful one.
		pt.hasFailed = true
		pt.isComplete = true
	}
}

// Snapshot returns an immutable view of the current progress.
func (pt *ProgressTracker) Snapshot() models.ProgressSummary {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	records := make([]*stepRecord, 0, len(pt.steps))
	for _, rec := range pt.steps {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })

	var completed, inFlight int
	var current *stepRecord
	steps := make([]models.ProgressStep, 0, len(records))
	for _, rec := range records {
		switch rec.status {
		case models.StepCompleted, models.StepFailed:
			completed++
		case models.StepStarted:
			inFlight++
			if current == nil || rec.seq > current.seq {
				current = rec
			}
		}
		steps = append(steps, models.ProgressStep{
			ID:          rec.key,
			Description: rec.description,
			Status:      rec.status,
			StartedAt:   rec.startedAt.UnixMilli(),
		})
	}

	total := len(records)
	percent := computePercent(completed, inFlight, total)
	if pt.isComplete {
		// Done must never read as partial, even when the step-count model
		// under-reported the total.
		percent = 100
	}

	summary := models.ProgressSummary{
		CompletedSteps: completed,
		TotalSteps:     total,
		Percent:        percent,
		FilesChanged:   pt.filesChanged,
		CommandsRun:    pt.commandsRun,
		IsComplete:     pt.isComplete,
		HasFailed:      pt.hasFailed,
		Steps:          steps,
	}
	if current != nil && !pt.isComplete {
		summary.CurrentAction = current.description
	}
	return summary
}

// computePercent counts an in-progress step as half done so the bar advances
// smoothly instead of jumping from 0 to 100. The total is floored at 1.
func computePercent(completed, inFlight, total int) int {
	if total < 1 {
		total = 1
	}
	pct := int(math.Round(100 * (float64(completed) + 0.5*float64(inFlight)) / float64(total)))
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

func (pt *ProgressTracker) startStep(key, description string, at time.Time) {
	if key == "" {
		return
	}
	if rec, ok := pt.steps[key]; ok {
		// Duplicate start: refresh the description, keep the original slot.
		if description != "" {
			rec.description = description
		}
		return
	}
	pt.seq++
	pt.steps[key] = &stepRecord{
		key:         key,
		description: description,
		status:      models.StepStarted,
		startedAt:   at,
		seq:         pt.seq,
	}
}

func (pt *ProgressTracker) mergeStep(key string, ev protocol.Event) {
	if key == "" {
		return
	}
	rec, ok := pt.steps[key]
	if !ok {
		// An update for a step we never saw start still counts as activity.
		pt.startStep(key, describeItem(ev.Item), ev.ReceivedAt)
		return
	}
	// Merge new payload fields without changing the step status.
	if desc := describeItem(ev.Item); desc != genericStepDescription {
		rec.description = desc
	}
}

func (pt *ProgressTracker) completeStep(key string, ev protocol.Event) {
	if key == "" {
		return
	}
	rec, ok := pt.steps[key]
	if !ok {
		pt.seq++
		rec = &stepRecord{
			key:         key,
			description: describeItem(ev.Item),
			startedAt:   ev.ReceivedAt,
			seq:         pt.seq,
		}
		pt.steps[key] = rec
	}
	rec.status = models.StepCompleted
	if ev.Item != nil && ev.Item.Status == "failed" {
		rec.status = models.StepFailed
	}
}

func (pt *ProgressTracker) failStep(key string, at time.Time) {
	if key == "" {
		return
	}
	rec, ok := pt.steps[key]
	if !ok {
		pt.seq++
		rec = &stepRecord{key: key, startedAt: at, seq: pt.seq}
		pt.steps[key] = rec
	}
	rec.status = models.StepFailed
	rec.description = "Turn failed"
}

func (pt *ProgressTracker) countItem(item *protocol.ItemPayload) {
	if item == nil {
		return
	}
	switch item.Kind {
	case protocol.ItemFileChange:
		pt.filesChanged++
	case protocol.ItemCommandExec:
		pt.commandsRun++
	}
}

const genericStepDescription = "Working"

// describeItem derives a human-readable step description from an item payload.
func describeItem(item *protocol.ItemPayload) string {
	if item == nil {
		return genericStepDescription
	}
	switch item.Kind {
	case protocol.ItemFileChange:
		if item.Path != "" {
			return fmt.Sprintf("Editing %s", item.Path)
		}
		return "Editing files"
	case protocol.ItemCommandExec:
		if item.Command != "" {
			return fmt.Sprintf("Running command: %s", item.Command)
		}
		return "Running command"
	case protocol.ItemAgentMessage:
		return "Writing response"
	case protocol.ItemReasoning:
		return "Thinking"
	case protocol.ItemTodoList:
		return "Planning steps"
	default:
		if item.Kind != "" {
			return fmt.Sprintf("Working on %s", item.Kind)
		}
		return genericStepDescription
	}
}

func turnKey(id string) string {
	if id == "" {
		id = "default"
	}
	return "turn:" + id
}

func itemKey(ev protocol.Event, id string) string {
	if id == "" && ev.Item != nil {
		id = ev.Item.ID
	}
	if id == "" {
		return ""
	}
	return "item:" + id
}
