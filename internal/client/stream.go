// ABOUTME: Streaming text generation over SSE.
// ABOUTME: StreamResult exposes the text chunks plus session, usage and full-text futures.

package client

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/stream"
	"github.com/2389/koine-gateway/internal/wire"
)

// future is a value that resolves or fails once.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

func (f *future[T]) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// StreamResult is an in-flight streaming generation.
//
// The session ID resolves at the first session or result event and the usage
// at the result event. The full text resolves when the stream ends. An error
// event fails every value that has not resolved yet. If the stream ends
// without a result, the text still resolves with what arrived while the
// session and usage fail with NO_SESSION and NO_USAGE.
type StreamResult struct {
	chunks chan string
	cancel context.CancelFunc

	session *future[string]
	usage   *future[wire.Usage]
	text    *future[string]

	mu      sync.Mutex
	pending []string
	ended   bool
	notify  chan struct{}
	closed  chan struct{}
	once    sync.Once
	termErr error
}

// StreamText starts a streaming generation. Errors before the stream opens,
// including non-2xx responses, are returned directly.
func (c *Client) StreamText(ctx context.Context, req Request) (*StreamResult, error) {
	return c.openStream(ctx, "/stream", c.body(req, nil))
}

func (c *Client) openStream(ctx context.Context, path string, body wire.GenerateRequest) (*StreamResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newPost(ctx, path, body)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, failure.Wrap(failure.CodeHTTP, "stream request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		return nil, parseErrorResponse(resp)
	}

	s := &StreamResult{
		chunks:  make(chan string),
		cancel:  cancel,
		session: newFuture[string](),
		usage:   newFuture[wire.Usage](),
		text:    newFuture[string](),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go s.read(resp.Body)
	go s.relay()
	return s, nil
}

// TextStream returns the text chunks in arrival order. The channel closes
// when the stream ends for any reason; Err reports why.
func (s *StreamResult) TextStream() <-chan string {
	return s.chunks
}

// SessionID waits for the session identifier.
func (s *StreamResult) SessionID(ctx context.Context) (string, error) {
	return s.session.wait(ctx)
}

// Usage waits for the final token usage.
func (s *StreamResult) Usage(ctx context.Context) (wire.Usage, error) {
	return s.usage.wait(ctx)
}

// Text waits for the stream to end and returns the accumulated text.
func (s *StreamResult) Text(ctx context.Context) (string, error) {
	return s.text.wait(ctx)
}

// Err returns the failure that ended the stream, or nil after a clean end.
// It is only meaningful once TextStream has closed.
func (s *StreamResult) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Close aborts the stream and releases its resources. Unresolved values
// fail with STREAM_ERROR.
func (s *StreamResult) Close() {
	s.once.Do(func() { close(s.closed) })
	s.cancel()
}

// read consumes the SSE body and drives the futures.
func (s *StreamResult) read(body io.ReadCloser) {
	defer body.Close()
	defer s.cancel()

	var (
		dec  stream.Decoder
		text strings.Builder
		buf  = make([]byte, 32<<10)
	)

	handle := func(records []stream.SSERecord) bool {
		for _, rec := range records {
			ev, ok, err := stream.ParseEvent(rec)
			if err != nil {
				s.finish(text.String(), err)
				return true
			}
			if !ok {
				continue
			}
			switch ev.Type {
			case stream.EventSession:
				s.session.resolve(ev.SessionID)
			case stream.EventText:
				text.WriteString(ev.Text)
				s.push(ev.Text)
			case stream.EventResult:
				s.session.resolve(ev.SessionID)
				if ev.Usage != nil {
					s.usage.resolve(*ev.Usage)
				}
			case stream.EventError:
				s.finish(text.String(), ev.Err)
				return true
			case stream.EventDone:
				s.finish(text.String(), nil)
				return true
			}
		}
		return false
	}

	for {
		n, err := body.Read(buf)
		if n > 0 && handle(dec.Feed(buf[:n])) {
			return
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.finish(text.String(), failure.Wrap(failure.CodeStream, "stream read failed", err))
			return
		}
	}
	if handle(dec.Flush()) {
		return
	}
	// Ended without done: text is best effort, the rest fails if still open.
	s.finish(text.String(), nil)
}

// finish resolves or fails every outstanding future exactly once.
func (s *StreamResult) finish(text string, err error) {
	if err != nil {
		s.session.fail(err)
		s.usage.fail(err)
		s.text.fail(err)
	} else {
		s.session.fail(failure.New(failure.CodeNoSession, "stream ended before a session ID was received"))
		s.usage.fail(failure.New(failure.CodeNoUsage, "stream ended before usage was received"))
		s.text.resolve(text)
	}

	s.mu.Lock()
	s.ended = true
	s.termErr = err
	s.mu.Unlock()
	s.wake()
}

func (s *StreamResult) push(chunk string) {
	s.mu.Lock()
	s.pending = append(s.pending, chunk)
	s.mu.Unlock()
	s.wake()
}

func (s *StreamResult) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// relay moves queued chunks to the consumer channel so the reader never
// blocks on a slow or absent consumer.
func (s *StreamResult) relay() {
	defer close(s.chunks)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.closed:
				return
			}
		}
		chunk := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.chunks <- chunk:
		case <-s.closed:
			return
		}
	}
}
