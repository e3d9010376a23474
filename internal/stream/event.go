// ABOUTME: Typed stream events produced from CLI output and carried over SSE.
// ABOUTME: Event is a tagged union over session, text, result, error and done.

package stream

import (
	"encoding/json"
	"fmt"

	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/wire"
)

// EventType tags an Event.
type EventType string

const (
	EventSession EventType = wire.EventSession
	EventText    EventType = wire.EventText
	EventResult  EventType = wire.EventResult
	EventError   EventType = wire.EventError
	EventDone    EventType = wire.EventDone
)

// Event is one item in an execution's ordered output. Which fields are set
// depends on Type.
type Event struct {
	Type EventType

	// SessionID is set on session and result events.
	SessionID string

	// Text is set on text events.
	Text string

	// Usage is set on result events.
	Usage *wire.Usage

	// Final is the complete text reported by the result record. It is not
	// part of the wire payload.
	Final string

	// Object and RawText are set on result events of structured streams.
	Object  json.RawMessage
	RawText string

	// Err is set on error events.
	Err *failure.Error
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// SessionEvent builds a session event.
func SessionEvent(id string) Event {
	return Event{Type: EventSession, SessionID: id}
}

// TextEvent builds a text delta event.
func TextEvent(text string) Event {
	return Event{Type: EventText, Text: text}
}

// ResultEvent builds a result event.
func ResultEvent(sessionID string, usage wire.Usage) Event {
	return Event{Type: EventResult, SessionID: sessionID, Usage: &usage}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Err: failure.As(err)}
}

// DoneEvent builds the terminal done event.
func DoneEvent() Event {
	return Event{Type: EventDone}
}

// Payload returns the JSON-serializable data for the SSE record.
func (e Event) Payload() any {
	switch e.Type {
	case EventSession:
		return wire.SessionPayload{SessionID: e.SessionID}
	case EventText:
		return wire.TextPayload{Text: e.Text}
	case EventResult:
		p := wire.ResultPayload{SessionID: e.SessionID, Object: e.Object, RawText: e.RawText}
		if e.Usage != nil {
			p.Usage = *e.Usage
		}
		return p
	case EventError:
		if e.Err == nil {
			return wire.ErrorPayload{Error: "unknown error", Code: string(failure.CodeInternal)}
		}
		return wire.ErrorPayload{Error: e.Err.Message, Code: string(e.Err.Code), RawText: e.Err.RawText}
	default:
		return wire.DonePayload{}
	}
}

func (e Event) String() string {
	switch e.Type {
	case EventSession:
		return fmt.Sprintf("session(%s)", e.SessionID)
	case EventText:
		return fmt.Sprintf("text(%q)", e.Text)
	case EventResult:
		if e.Usage != nil {
			return fmt.Sprintf("result(%s, %d/%d)", e.SessionID, e.Usage.InputTokens, e.Usage.OutputTokens)
		}
		return fmt.Sprintf("result(%s)", e.SessionID)
	case EventError:
		return fmt.Sprintf("error(%v)", e.Err)
	default:
		return string(e.Type)
	}
}
