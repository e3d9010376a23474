// ABOUTME: Decoding of JSON records written by the agent CLI.
// ABOUTME: Covers both the one-shot json output and the stream-json line format.

package stream

import (
	"encoding/json"
	"strings"

	"github.com/2389/koine-gateway/internal/wire"
)

// Record is the subset of a CLI output record the gateway reads. The same
// shape serves the final object of --output-format json and each line of
// --output-format stream-json.
type Record struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Result fields.
	Result  *string     `json:"result,omitempty"`
	IsError bool        `json:"is_error,omitempty"`
	Usage   *tokenUsage `json:"usage,omitempty"`

	// Flat token counts, emitted by older CLI builds.
	TotalTokensIn  *int `json:"total_tokens_in,omitempty"`
	TotalTokensOut *int `json:"total_tokens_out,omitempty"`

	// Partial-message and assistant-message payloads.
	Event   *streamEvent `json:"event,omitempty"`
	Message *message     `json:"message,omitempty"`
}

type tokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

type message struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// DecodeRecord parses one CLI record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

// IsResult reports whether the record is the final result of a run. The
// one-shot format may omit "type", so a present result field also counts.
func (r Record) IsResult() bool {
	return r.Type == "result" || (r.Type == "" && r.Result != nil)
}

// ResultText returns the completion text of a result record.
func (r Record) ResultText() string {
	if r.Result == nil {
		return ""
	}
	return *r.Result
}

// TokenUsage returns the usage reported by the record, preferring the nested
// usage object over the flat counters.
func (r Record) TokenUsage() wire.Usage {
	if r.Usage != nil {
		return wire.NewUsage(r.Usage.InputTokens, r.Usage.OutputTokens)
	}
	var in, out int
	if r.TotalTokensIn != nil {
		in = *r.TotalTokensIn
	}
	if r.TotalTokensOut != nil {
		out = *r.TotalTokensOut
	}
	return wire.NewUsage(in, out)
}

// TextDelta returns the incremental text carried by a partial-message record.
func (r Record) TextDelta() (string, bool) {
	if r.Type != "stream_event" || r.Event == nil || r.Event.Delta == nil {
		return "", false
	}
	if r.Event.Type != "content_block_delta" || r.Event.Delta.Type != "text_delta" {
		return "", false
	}
	return r.Event.Delta.Text, true
}

// MessageText returns the concatenated text blocks of an assistant record.
func (r Record) MessageText() string {
	if r.Type != "assistant" || r.Message == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Message.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}
