package protocol

import (
	"bytes"
	"time"
)

// maxBufferedLine caps the partial-line buffer so a worker that never emits a
// newline cannot grow memory without bound. A line that exceeds the cap is
// discarded, matching the drop-malformed tolerance policy.
const maxBufferedLine = 1 << 20

// StreamParser turns successive chunks of worker output into typed events.
//
// The worker interleaves non-protocol diagnostic text with protocol records on
// the same stream, so the parser treats undecodable lines as incidental noise
// and drops them instead of failing. Feed never returns an error, and the same
// total byte stream produces the same ordered event list regardless of how it
// is split into chunks.
type StreamParser struct {
	buf bytes.Buffer
	now func() time.Time
}

// NewStreamParser returns a parser ready to accept chunks.
func NewStreamParser() *StreamParser {
	return &StreamParser{now: time.Now}
}

// Feed appends a chunk to the stream and returns the events decoded from the
// complete lines it closed, in arrival order. A trailing partial line is
// buffered until a later Feed or Flush completes it.
func (p *StreamParser) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	p.buf.Write(chunk)

	var events []Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)

		if ev, ok := p.decodeLine(line); ok {
			events = append(events, *ev)
		}
	}

	if p.buf.Len() > maxBufferedLine {
		p.buf.Reset()
	}
	return events
}

// Flush terminates the stream. A buffered line that decodes as a complete
// record is returned; an incomplete or undecodable remainder is dropped, not
// force-parsed. The parser is reusable after Flush.
func (p *StreamParser) Flush() *Event {
	if p.buf.Len() == 0 {
		return nil
	}
	line := make([]byte, p.buf.Len())
	copy(line, p.buf.Bytes())
	p.buf.Reset()

	if ev, ok := p.decodeLine(line); ok {
		return ev
	}
	return nil
}

func (p *StreamParser) decodeLine(line []byte) (*Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	return decodeEvent(line, p.now())
}
