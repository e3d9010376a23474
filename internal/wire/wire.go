// ABOUTME: JSON shapes exchanged between the gateway and its HTTP clients.
// ABOUTME: Shared by the server handlers, the SSE pipeline, and the Go client.

package wire

import "encoding/json"

// SSE event names.
const (
	EventSession = "session"
	EventText    = "text"
	EventResult  = "result"
	EventError   = "error"
	EventDone    = "done"
)

// Usage reports token consumption for one execution.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewUsage builds a Usage whose total is input plus output.
func NewUsage(input, output int) Usage {
	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

// GenerateRequest is the body of every generation endpoint.
type GenerateRequest struct {
	Prompt       string          `json:"prompt"`
	System       string          `json:"system,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	Model        string          `json:"model,omitempty"`
	AllowedTools []string        `json:"allowedTools,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	UserEmail    string          `json:"userEmail,omitempty"`
}

// TextResponse is returned by POST /generate-text.
type TextResponse struct {
	Text      string `json:"text"`
	Usage     Usage  `json:"usage"`
	SessionID string `json:"sessionId"`
}

// ObjectResponse is returned by POST /generate-object.
type ObjectResponse struct {
	Object    json.RawMessage `json:"object"`
	RawText   string          `json:"rawText"`
	Usage     Usage           `json:"usage"`
	SessionID string          `json:"sessionId"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	RawText string `json:"rawText,omitempty"`
}

// SessionPayload is the data of an SSE session event.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// TextPayload is the data of an SSE text event.
type TextPayload struct {
	Text string `json:"text"`
}

// ResultPayload is the data of an SSE result event. Object and RawText are
// only set on the structured stream.
type ResultPayload struct {
	SessionID string          `json:"sessionId"`
	Usage     Usage           `json:"usage"`
	Object    json.RawMessage `json:"object,omitempty"`
	RawText   string          `json:"rawText,omitempty"`
}

// ErrorPayload is the data of an SSE error event.
type ErrorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	RawText string `json:"rawText,omitempty"`
}

// DonePayload is the data of an SSE done event.
type DonePayload struct{}

// PoolHealth reports one admission pool on GET /health.
type PoolHealth struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status       string     `json:"status"`
	CLIAvailable bool       `json:"claudeCli"`
	Streaming    PoolHealth `json:"streaming"`
	NonStreaming PoolHealth `json:"nonStreaming"`
	Timestamp    string     `json:"timestamp"`
}
