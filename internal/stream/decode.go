// ABOUTME: Client-side SSE decoder that buffers arbitrary chunks into records.
// ABOUTME: Converts records back into typed events for stream consumers.

package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/wire"
)

// SSERecord is one blank-line-terminated SSE block.
type SSERecord struct {
	Event string
	Data  string
}

// Decoder reassembles SSE records from chunks whose boundaries never line up
// with record boundaries.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and returns every complete record.
func (d *Decoder) Feed(chunk []byte) []SSERecord {
	d.buf = append(d.buf, chunk...)
	// A CR may arrive at the end of one chunk and its LF in the next; only
	// complete pairs are normalized, so a trailing CR waits for its partner.
	if bytes.Contains(d.buf, []byte("\r\n")) {
		d.buf = bytes.ReplaceAll(d.buf, []byte("\r\n"), []byte("\n"))
	}

	var records []SSERecord
	for {
		i := bytes.Index(d.buf, []byte("\n\n"))
		if i < 0 {
			break
		}
		block := string(d.buf[:i])
		d.buf = d.buf[i+2:]
		if rec, ok := parseBlock(block); ok {
			records = append(records, rec)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return records
}

// Flush returns the record still buffered when the stream ended without a
// trailing blank line.
func (d *Decoder) Flush() []SSERecord {
	block := strings.TrimRight(string(d.buf), "\r\n")
	d.buf = nil
	if rec, ok := parseBlock(block); ok {
		return []SSERecord{rec}
	}
	return nil
}

func parseBlock(block string) (SSERecord, bool) {
	var (
		rec     SSERecord
		data    []string
		hasData bool
	)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			rec.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if rec.Event == "" && !hasData {
		return SSERecord{}, false
	}
	if rec.Event == "" {
		rec.Event = "message"
	}
	rec.Data = strings.Join(data, "\n")
	return rec, true
}

// ParseEvent converts an SSE record into a typed event. Unknown event names
// return ok=false so newer servers can add events without breaking clients.
func ParseEvent(rec SSERecord) (ev Event, ok bool, err error) {
	switch rec.Event {
	case wire.EventSession:
		var p wire.SessionPayload
		if err := decodePayload(rec, &p); err != nil {
			return Event{}, false, err
		}
		return SessionEvent(p.SessionID), true, nil

	case wire.EventText:
		var p wire.TextPayload
		if err := decodePayload(rec, &p); err != nil {
			return Event{}, false, err
		}
		return TextEvent(p.Text), true, nil

	case wire.EventResult:
		var p wire.ResultPayload
		if err := decodePayload(rec, &p); err != nil {
			return Event{}, false, err
		}
		ev := ResultEvent(p.SessionID, p.Usage)
		ev.Object = p.Object
		ev.RawText = p.RawText
		return ev, true, nil

	case wire.EventError:
		var p wire.ErrorPayload
		if err := decodePayload(rec, &p); err != nil {
			return Event{}, false, err
		}
		code := failure.Code(p.Code)
		if code == "" {
			code = failure.CodeStream
		}
		return Event{Type: EventError, Err: failure.WithRaw(code, p.Error, p.RawText, nil)}, true, nil

	case wire.EventDone:
		return DoneEvent(), true, nil

	default:
		return Event{}, false, nil
	}
}

func decodePayload(rec SSERecord, v any) error {
	if err := json.Unmarshal([]byte(rec.Data), v); err != nil {
		return failure.WithRaw(failure.CodeSSEParse,
			fmt.Sprintf("failed to parse SSE %s event", rec.Event), rec.Data, err)
	}
	return nil
}
