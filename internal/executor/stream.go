// ABOUTME: Streaming execution: forwards reframed CLI output as ordered events.
// ABOUTME: Every execution ends with exactly one terminal done or error event.

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/stream"
)

const readChunk = 32 << 10

// Execution is a running streaming execution.
type Execution struct {
	events chan stream.Event
	done   chan struct{}

	mu        sync.Mutex
	err       *failure.Error
	sessionID string
	result    *stream.Event
	pid       int
}

// Events returns the ordered event channel. It is closed after the terminal
// event has been delivered.
func (x *Execution) Events() <-chan stream.Event {
	return x.events
}

// Wait blocks until the process has exited and all events were sent. It
// returns the failure carried by the terminal error event, if any.
func (x *Execution) Wait() error {
	<-x.done
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return x.err
	}
	return nil
}

// SessionID returns the session identifier reported so far.
func (x *Execution) SessionID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.sessionID
}

// Result returns the result event once one has been seen.
func (x *Execution) Result() (stream.Event, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.result == nil {
		return stream.Event{}, false
	}
	return *x.result, true
}

// PID returns the CLI process id.
func (x *Execution) PID() int {
	return x.pid
}

// Stream spawns the CLI in stream mode. Validation and tool-resolution
// failures are returned before any process starts; after that every outcome
// arrives on the event channel. Cancelling ctx kills the process.
func (e *Executor) Stream(ctx context.Context, req Request) (*Execution, error) {
	req, set, err := e.Prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "executor.stream", trace.WithAttributes(
		attribute.String("koine.mode", ModeStream.String()),
		attribute.String("koine.model", req.Model),
		attribute.String("koine.tools", set.String()),
	))

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	stderr := &limitedBuffer{max: maxStderr}
	cmd := e.command(runCtx, req, BuildArgs(req, set, ModeStream))
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		span.End()
		return nil, failure.Wrap(failure.CodeSpawn, "failed to open CLI stdout", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		ferr := failure.Wrap(failure.CodeSpawn, fmt.Sprintf("failed to start %s", e.cfg.Binary), err)
		recordError(span, ferr)
		span.End()
		return nil, ferr
	}

	x := &Execution{
		events: make(chan stream.Event, 16),
		done:   make(chan struct{}),
		pid:    cmd.Process.Pid,
	}
	e.logger.Debug("cli stream started", "pid", x.pid, "model", req.Model, "tools", set.String())

	go func() {
		defer span.End()
		defer cancel()
		defer close(x.done)
		defer close(x.events)

		start := time.Now()
		reframer := stream.NewReframer(e.logger)
		x.pump(ctx, reframer, stdout)

		waitErr := cmd.Wait()
		terminal := e.terminalEvent(runCtx, ctx, reframer.Classifier(), waitErr, stderr.String())
		if terminal != nil {
			x.deliver(ctx, *terminal)
		}

		if x.err != nil {
			recordError(span, x.err)
			e.logger.Warn("cli stream failed", "pid", x.pid, "code", x.err.Code, "duration", time.Since(start), "error", x.err.Message)
			return
		}
		e.logger.Info("cli stream completed", "pid", x.pid, "session_id", x.SessionID(), "duration", time.Since(start))
	}()

	return x, nil
}

// pump reads stdout until EOF and forwards classified events.
func (x *Execution) pump(ctx context.Context, reframer *stream.Reframer, r io.Reader) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range reframer.Feed(buf[:n]) {
				x.deliver(ctx, ev)
			}
		}
		if err != nil {
			break
		}
	}
	for _, ev := range reframer.Flush() {
		x.deliver(ctx, ev)
	}
}

// deliver records ev and blocks until the consumer takes it. ctx is the
// caller's context, not the execution deadline: a timeout kills the process
// but every event read before the kill is still delivered, followed by the
// terminal error. Once the caller is gone events are dropped, except that a
// terminal event is still offered if the buffer has room.
func (x *Execution) deliver(ctx context.Context, ev stream.Event) {
	x.mu.Lock()
	switch ev.Type {
	case stream.EventSession:
		x.sessionID = ev.SessionID
	case stream.EventResult:
		r := ev
		x.result = &r
	case stream.EventError:
		x.err = ev.Err
	}
	x.mu.Unlock()

	select {
	case x.events <- ev:
	case <-ctx.Done():
		if ev.Terminal() {
			select {
			case x.events <- ev:
			default:
			}
		}
	}
}

// terminalEvent decides how the stream ends. It returns nil when the
// classifier already produced a terminal error.
func (e *Executor) terminalEvent(runCtx, parent context.Context, c *stream.Classifier, waitErr error, stderr string) *stream.Event {
	if c.Failed() {
		return nil
	}

	var ev stream.Event
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		ev = stream.ErrorEvent(failure.New(failure.CodeTimeout,
			fmt.Sprintf("CLI did not finish within %s", e.cfg.Timeout)))
	case parent.Err() != nil:
		ev = stream.ErrorEvent(failure.Wrap(failure.CodeStream, "stream cancelled", parent.Err()))
	case waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay):
		msg := "CLI terminated abnormally"
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("CLI exited with code %d", exitErr.ExitCode())
		}
		if s := strings.TrimSpace(stderr); s != "" {
			msg += ": " + s
		}
		ev = stream.ErrorEvent(failure.Wrap(failure.CodeExit, msg, waitErr))
	case !c.SawResult():
		ev = stream.ErrorEvent(failure.New(failure.CodeParse, "stream ended without a result"))
	default:
		ev = stream.DoneEvent()
	}
	return &ev
}
