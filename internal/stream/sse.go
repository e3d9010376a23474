// ABOUTME: Server-Sent Events writer used by the streaming endpoints.
// ABOUTME: Formats event/data records and flushes each one immediately.

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEWriter writes SSE records to an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter checks that w can stream. It does not write headers; call
// Start once the request has been admitted.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Start sets the event-stream headers and commits the 200 status.
func (s *SSEWriter) Start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// WriteEvent writes one event and flushes it.
func (s *SSEWriter) WriteEvent(e Event) error {
	return s.Write(string(e.Type), e.Payload())
}

// Write marshals data and writes it as one SSE record.
func (s *SSEWriter) Write(event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling SSE data: %w", err)
	}
	if _, err := io.WriteString(s.w, FormatRecord(event, string(dataJSON))); err != nil {
		return fmt.Errorf("writing SSE record: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// FormatRecord formats an SSE record:
// event: <eventType>\ndata: <data>\n\n
func FormatRecord(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}
