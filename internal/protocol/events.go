// Package protocol defines the worker's streaming event vocabulary and a
// fault-tolerant parser for its newline-delimited JSON output.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType discriminates the known worker event kinds.
type EventType string

const (
	TurnStarted   EventType = "turn.started"
	TurnCompleted EventType = "turn.completed"
	TurnFailed    EventType = "turn.failed"
	ItemStarted   EventType = "item.started"
	ItemCompleted EventType = "item.completed"
	ItemUpdated   EventType = "item.updated"

	// EventUnknown tags records whose type is outside the known vocabulary.
	// They are preserved, not dropped, so new worker versions stay observable.
	EventUnknown EventType = "unknown"
)

// ItemKind discriminates the payload shape of item events.
type ItemKind string

const (
	ItemFileChange   ItemKind = "file_change"
	ItemCommandExec  ItemKind = "command_execution"
	ItemAgentMessage ItemKind = "agent_message"
	ItemReasoning    ItemKind = "reasoning"
	ItemTodoList     ItemKind = "todo_list"
)

// ItemPayload carries the kind-dependent fields of an item event. Only the
// fields relevant to the declared kind are populated; the rest stay zero.
type ItemPayload struct {
	ID     string   `json:"id,omitempty"`
	Kind   ItemKind `json:"kind,omitempty"`
	Status string   `json:"status,omitempty"`

	// file_change
	Path string `json:"path,omitempty"`

	// command_execution
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`

	// agent_message / reasoning
	Text string `json:"text,omitempty"`
}

// TurnError is the error payload attached to a turn.failed event.
type TurnError struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// TurnUsage is the token accounting attached to a turn.completed event.
type TurnUsage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Event is one typed record from the worker's output stream. Events are
// immutable once parsed and are consumed append-only.
type Event struct {
	Type   EventType    `json:"type"`
	TurnID string       `json:"turnId,omitempty"`
	ItemID string       `json:"itemId,omitempty"`
	Item   *ItemPayload `json:"data,omitempty"`
	Error  *TurnError   `json:"error,omitempty"`
	Usage  *TurnUsage   `json:"usage,omitempty"`

	// Raw preserves the original record for diagnostics and forward
	// compatibility with fields this version does not model.
	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"-"`
}

// rawEvent mirrors the wire shape before the type tag is interpreted.
type rawEvent struct {
	Type   string       `json:"type"`
	TurnID string       `json:"turnId"`
	ItemID string       `json:"itemId"`
	Data   *ItemPayload `json:"data"`
	Error  *TurnError   `json:"error"`
	Usage  *TurnUsage   `json:"usage"`
}

// decodeEvent interprets one complete JSON line as an Event. It returns
// (nil, false) when the line is not a JSON object with a string type tag.
func decodeEvent(line []byte, now time.Time) (*Event, bool) {
	var re rawEvent
	if err := json.Unmarshal(line, &re); err != nil {
		return nil, false
	}
	if re.Type == "" {
		return nil, false
	}

	typ := EventType(re.Type)
	switch typ {
	case TurnStarted, TurnCompleted, TurnFailed, ItemStarted, ItemCompleted, ItemUpdated:
	default:
		typ = EventUnknown
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	return &Event{
		Type:       typ,
		TurnID:     re.TurnID,
		ItemID:     re.ItemID,
		Item:       re.Data,
		Error:      re.Error,
		Usage:      re.Usage,
		Raw:        raw,
		ReceivedAt: now,
	}, true
}
