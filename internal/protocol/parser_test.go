package protocol

import (
	"strings"
	"testing"
)

func TestFeedDecodesRecordsInOrder(t *testing.T) {
	p := NewStreamParser()

	stream := `{"type":"turn.started","turnId":"t1"}` + "\n" +
		`{"type":"item.completed","itemId":"i1","data":{"kind":"command_execution","command":"go test"}}` + "\n" +
		"NOT JSON\n" +
		`{"type":"turn.completed","turnId":"t1"}` + "\n"

	events := p.Feed([]byte(stream))
	if got := len(events); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
	if events[0].Type != TurnStarted || events[0].TurnID != "t1" {
		t.Errorf("event 0 = %+v, want turn.started t1", events[0])
	}
	if events[1].Type != ItemCompleted || events[1].ItemID != "i1" {
		t.Errorf("event 1 = %+v, want item.completed i1", events[1])
	}
	if events[1].Item == nil || events[1].Item.Kind != ItemCommandExec {
		t.Errorf("event 1 payload = %+v, want command_execution", events[1].Item)
	}
	if events[2].Type != TurnCompleted {
		t.Errorf("event 2 = %+v, want turn.completed", events[2])
	}
	if ev := p.Flush(); ev != nil {
		t.Errorf("flush after complete stream returned %+v, want nil", ev)
	}
}

func TestFeedBuffersPartialLinesAcrossChunks(t *testing.T) {
	p := NewStreamParser()

	if events := p.Feed([]byte(`{"type":"turn.st`)); len(events) != 0 {
		t.Fatalf("partial line produced %d events", len(events))
	}
	events := p.Feed([]byte("arted\",\"turnId\":\"t9\"}\n"))
	if len(events) != 1 || events[0].Type != TurnStarted || events[0].TurnID != "t9" {
		t.Fatalf("completed line produced %+v", events)
	}
}

func TestFeedEmptyChunk(t *testing.T) {
	p := NewStreamParser()
	if events := p.Feed(nil); events != nil {
		t.Fatalf("empty feed produced %v", events)
	}
}

func TestFeedIgnoresBlankLines(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed([]byte("\n\n  \n{\"type\":\"turn.started\"}\n\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestFeedMultipleRecordsInOneChunk(t *testing.T) {
	p := NewStreamParser()
	chunk := `{"type":"item.started","itemId":"a"}` + "\n" + `{"type":"item.started","itemId":"b"}` + "\n"
	events := p.Feed([]byte(chunk))
	if len(events) != 2 || events[0].ItemID != "a" || events[1].ItemID != "b" {
		t.Fatalf("expected [a b], got %+v", events)
	}
}

func TestFlushParsesCompleteUnterminatedLine(t *testing.T) {
	p := NewStreamParser()
	p.Feed([]byte(`{"type":"turn.completed","turnId":"t1"}`))

	ev := p.Flush()
	if ev == nil || ev.Type != TurnCompleted {
		t.Fatalf("flush = %+v, want turn.completed", ev)
	}
}

func TestFlushDropsIncompleteLine(t *testing.T) {
	p := NewStreamParser()
	p.Feed([]byte(`{"type":"turn.compl`))

	if ev := p.Flush(); ev != nil {
		t.Fatalf("flush of incomplete line = %+v, want nil", ev)
	}
}

func TestUnknownTypePreserved(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed([]byte(`{"type":"thread.archived","turnId":"t1"}` + "\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventUnknown {
		t.Fatalf("type = %q, want unknown", events[0].Type)
	}
	if !strings.Contains(string(events[0].Raw), "thread.archived") {
		t.Fatalf("raw record not preserved: %s", events[0].Raw)
	}
}

func TestNonObjectJSONLinesDropped(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed([]byte("42\n\"hello\"\n[1,2]\n{\"no_type\":true}\n"))
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d: %+v", len(events), events)
	}
}
