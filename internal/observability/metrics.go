package observability

import (
	"fmt"
	"time"
)

// Metrics holds aggregates derived from the delegation event log.
type Metrics struct {
	TasksStarted    int            `json:"tasks_started"`
	TasksFinished   int            `json:"tasks_finished"`
	TasksCanceled   int            `json:"tasks_canceled"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	ErrorsByCode    map[string]int `json:"errors_by_code"`
	TimeoutWarnings int            `json:"timeout_warnings"`
	TasksReclaimed  int            `json:"tasks_reclaimed"`
	EventCount      int            `json:"event_count"`
	OldestEvent     *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent     *time.Time     `json:"newest_event,omitempty"`
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

// metricsCalculator implements MetricsCalculator by reading from an EventLog.
type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a MetricsCalculator that reads from the given EventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate reads all events since the given time and aggregates them.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		TasksByStatus: make(map[string]int),
		ErrorsByCode:  make(map[string]int),
	}
	m.EventCount = len(events)

	for i, event := range events {
		if i == 0 {
			t := event.Time
			m.OldestEvent = &t
		}
		t := event.Time
		m.NewestEvent = &t

		switch event.Type {
		case "task.created":
			m.TasksStarted++
		case "task.finished":
			m.TasksFinished++
			if status, ok := event.Data["status"].(string); ok {
				m.TasksByStatus[status]++
			}
			if code, ok := event.Data["error_code"].(string); ok && code != "" {
				m.ErrorsByCode[code]++
			}
		case "task.canceled":
			m.TasksCanceled++
		case "task.timeout_warning":
			m.TimeoutWarnings++
		case "maintenance.reclaimed":
			if count, ok := event.Data["count"].(float64); ok {
				m.TasksReclaimed += int(count)
			}
		}
	}

	return m, nil
}
