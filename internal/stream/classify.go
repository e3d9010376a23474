// ABOUTME: Classifies CLI stream-json records into ordered gateway events.
// ABOUTME: Emits the session once, text deltas as they come, then the result.

package stream

import (
	"log/slog"

	"github.com/2389/koine-gateway/internal/failure"
)

// Classifier turns decoded CLI records into events. It is stateful: the
// session event is emitted once, and whole assistant messages are only used
// for text when no partial deltas covered them.
type Classifier struct {
	logger *slog.Logger

	sessionID      string
	sessionEmitted bool
	deltaSeen      bool
	resultSeen     bool
	failed         bool
}

// NewClassifier creates a classifier. A nil logger discards malformed-record
// warnings.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Classifier{logger: logger}
}

// SessionID returns the session identifier seen so far.
func (c *Classifier) SessionID() string {
	return c.sessionID
}

// SawResult reports whether a successful result record was classified.
func (c *Classifier) SawResult() bool {
	return c.resultSeen
}

// Failed reports whether a result record flagged an error.
func (c *Classifier) Failed() bool {
	return c.failed
}

// Classify handles one raw record line. Malformed lines are logged and
// skipped; the CLI occasionally interleaves non-JSON diagnostics.
func (c *Classifier) Classify(line []byte) []Event {
	rec, err := DecodeRecord(line)
	if err != nil {
		c.logger.Warn("skipping malformed stream record", "error", err, "bytes", len(line))
		return nil
	}
	return c.ClassifyRecord(rec)
}

// ClassifyRecord handles one decoded record.
func (c *Classifier) ClassifyRecord(rec Record) []Event {
	if c.failed || c.resultSeen {
		return nil
	}

	var events []Event
	if rec.SessionID != "" && !c.sessionEmitted {
		c.sessionID = rec.SessionID
		c.sessionEmitted = true
		events = append(events, SessionEvent(rec.SessionID))
	}

	switch {
	case rec.Type == "stream_event":
		if text, ok := rec.TextDelta(); ok && text != "" {
			c.deltaSeen = true
			events = append(events, TextEvent(text))
		}

	case rec.Type == "assistant":
		// Partial deltas already delivered this message's text.
		if !c.deltaSeen {
			if text := rec.MessageText(); text != "" {
				events = append(events, TextEvent(text))
			}
		}
		c.deltaSeen = false

	case rec.IsResult():
		sessionID := rec.SessionID
		if sessionID == "" {
			sessionID = c.sessionID
		}
		if rec.IsError {
			c.failed = true
			msg := rec.ResultText()
			if msg == "" {
				msg = "agent reported an error"
				if rec.Subtype != "" {
					msg += ": " + rec.Subtype
				}
			}
			events = append(events, ErrorEvent(failure.New(failure.CodeExit, msg)))
			break
		}
		c.resultSeen = true
		ev := ResultEvent(sessionID, rec.TokenUsage())
		ev.Final = rec.ResultText()
		events = append(events, ev)
	}
	return events
}
