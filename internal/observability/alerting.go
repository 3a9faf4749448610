package observability

import (
	"fmt"
	"sort"
	"time"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertThresholds configures when alerts fire.
type AlertThresholds struct {
	// FailureBurst is how many failed tasks inside the window trip the
	// failure-burst alert.
	FailureBurst int `yaml:"failure_burst" json:"failure_burst"`
	// WindowHours is the lookback window for all conditions.
	WindowHours int `yaml:"window_hours" json:"window_hours"`
	// MaxSameCode is how many failures with one error code trip the
	// repeated-cause alert. Repeated AUTH_ERROR or RATE_LIMIT failures point
	// at a configuration problem, not at the tasks themselves.
	MaxSameCode int `yaml:"max_same_code" json:"max_same_code"`
}

// DefaultAlertThresholds returns sensible defaults.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		FailureBurst: 3,
		WindowHours:  1,
		MaxSameCode:  2,
	}
}

// AlertEngine evaluates alert conditions against the event log.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

// alertEngine implements AlertEngine by reading events and checking thresholds.
type alertEngine struct {
	eventLog   EventLog
	thresholds AlertThresholds
	now        func() time.Time
}

// NewAlertEngine creates an AlertEngine with the given EventLog and thresholds.
func NewAlertEngine(eventLog EventLog, thresholds AlertThresholds) AlertEngine {
	return &alertEngine{
		eventLog:   eventLog,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Evaluate reads recent events and checks all alert conditions.
func (ae *alertEngine) Evaluate() ([]Alert, error) {
	now := ae.now().UTC()
	since := now.Add(-time.Duration(ae.thresholds.WindowHours) * time.Hour)

	finished, err := ae.eventLog.Read(EventFilter{Type: "task.finished", Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading finished-task events: %w", err)
	}
	warnings, err := ae.eventLog.Read(EventFilter{Type: "task.timeout_warning", Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading timeout-warning events: %w", err)
	}
	reclaimed, err := ae.eventLog.Read(EventFilter{Type: "maintenance.reclaimed", Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading reclamation events: %w", err)
	}

	var alerts []Alert
	alerts = append(alerts, ae.checkFailureBurst(finished, now)...)
	alerts = append(alerts, ae.checkRepeatedCause(finished, now)...)
	alerts = append(alerts, ae.checkTimeoutWarnings(warnings, now)...)
	alerts = append(alerts, ae.checkReclaimed(reclaimed, now)...)
	return alerts, nil
}

func (ae *alertEngine) checkFailureBurst(finished []Event, now time.Time) []Alert {
	failures := 0
	for _, event := range finished {
		if status, _ := event.Data["status"].(string); status == "failed" {
			failures++
		}
	}
	if failures < ae.thresholds.FailureBurst {
		return nil
	}
	return []Alert{{
		ID:          "failure-burst",
		Condition:   "failure_burst",
		Severity:    SeverityHigh,
		Message:     fmt.Sprintf("%d tasks failed in the last %dh", failures, ae.thresholds.WindowHours),
		TriggeredAt: now,
	}}
}

func (ae *alertEngine) checkRepeatedCause(finished []Event, now time.Time) []Alert {
	byCode := make(map[string]int)
	for _, event := range finished {
		if code, _ := event.Data["error_code"].(string); code != "" {
			byCode[code]++
		}
	}
	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var alerts []Alert
	for _, code := range codes {
		if byCode[code] < ae.thresholds.MaxSameCode {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          "repeated-" + code,
			Condition:   "repeated_error_code",
			Severity:    SeverityMedium,
			Message:     fmt.Sprintf("%d tasks failed with %s in the last %dh; likely a shared cause", byCode[code], code, ae.thresholds.WindowHours),
			TriggeredAt: now,
		})
	}
	return alerts
}

func (ae *alertEngine) checkTimeoutWarnings(warnings []Event, now time.Time) []Alert {
	perTask := make(map[string]bool)
	for _, event := range warnings {
		if taskID, _ := event.Data["task_id"].(string); taskID != "" {
			perTask[taskID] = true
		}
	}
	if len(perTask) == 0 {
		return nil
	}
	ids := make([]string, 0, len(perTask))
	for id := range perTask {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var alerts []Alert
	for _, id := range ids {
		alerts = append(alerts, Alert{
			ID:          "timeout-warning-" + id,
			Condition:   "task_near_timeout",
			Severity:    SeverityMedium,
			Message:     fmt.Sprintf("task %s came within its warning window of a timeout", id),
			TriggeredAt: now,
		})
	}
	return alerts
}

func (ae *alertEngine) checkReclaimed(reclaimed []Event, now time.Time) []Alert {
	total := 0
	for _, event := range reclaimed {
		if count, ok := event.Data["count"].(float64); ok {
			total += int(count)
		}
	}
	if total == 0 {
		return nil
	}
	return []Alert{{
		ID:          "reclaimed-tasks",
		Condition:   "tasks_reclaimed",
		Severity:    SeverityMedium,
		Message:     fmt.Sprintf("%d stuck tasks were reclaimed in the last %dh; the orchestrator may have crashed", total, ae.thresholds.WindowHours),
		TriggeredAt: now,
	}}
}
