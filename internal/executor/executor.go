// ABOUTME: Spawns the agent CLI for one request and classifies the outcome.
// ABOUTME: Run waits for the single JSON result; Stream forwards events as they arrive.

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/stream"
	"github.com/2389/koine-gateway/internal/tools"
	"github.com/2389/koine-gateway/internal/wire"
)

// EnvUserEmail carries the caller's identity to the CLI process.
const EnvUserEmail = "KOINE_USER_EMAIL"

const (
	defaultBinary    = "claude"
	defaultTimeout   = 5 * time.Minute
	defaultWaitDelay = 2 * time.Second
	maxStderr        = 64 << 10
)

// Config configures an Executor.
type Config struct {
	// Binary is the CLI executable, looked up on PATH when not absolute.
	Binary string
	// BinaryArgs are placed before the generated arguments.
	BinaryArgs []string
	// Timeout bounds one execution, measured from process spawn.
	Timeout time.Duration
	// WaitDelay bounds how long output pipes are drained after a kill.
	WaitDelay time.Duration
	// WorkDir is the CLI working directory. Empty means the gateway's.
	WorkDir string
	// Env holds extra KEY=VALUE pairs added to the inherited environment.
	Env []string
	// DefaultModel is used when a request names no model.
	DefaultModel string
	// AllowedTools and DisallowedTools are the deployment tool policy.
	// A nil AllowedTools means no deployment allow-list.
	AllowedTools    []string
	DisallowedTools []string
}

// Request is one execution request.
type Request struct {
	Prompt       string
	System       string
	SessionID    string
	Model        string
	AllowedTools []string
	Schema       json.RawMessage
	UserEmail    string
}

// Result is the outcome of a completed synchronous execution.
type Result struct {
	Text      string
	SessionID string
	Usage     wire.Usage
	Duration  time.Duration
}

// Executor runs the agent CLI. It holds no per-request state and is safe
// for concurrent use.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Executor, filling defaults for unset fields.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/2389/koine-gateway/internal/executor"),
	}
}

// Available reports whether the CLI binary can be found.
func (e *Executor) Available() bool {
	_, err := exec.LookPath(e.cfg.Binary)
	return err == nil
}

// Tools resolves the tool set for req against the deployment policy. It
// fails with NO_ELIGIBLE_TOOLS when the request named tools and none of
// them survive.
func (e *Executor) Tools(req Request) (tools.Set, error) {
	set, err := tools.Check(tools.Policy{
		DeploymentAllowed: e.cfg.AllowedTools,
		DeploymentDenied:  e.cfg.DisallowedTools,
		RequestAllowed:    req.AllowedTools,
	})
	if err != nil {
		return set, failure.Wrap(failure.CodeNoEligibleTools,
			"none of the requested tools are permitted by this deployment", err)
	}
	return set, nil
}

// Prepare validates req, applies defaults, and resolves its tool set. It
// never spawns a process.
func (e *Executor) Prepare(req Request) (Request, tools.Set, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return req, tools.Set{}, failure.New(failure.CodeValidation, "prompt is required")
	}
	if len(req.Schema) > 0 && !json.Valid(req.Schema) {
		return req, tools.Set{}, failure.New(failure.CodeValidation, "schema must be valid JSON")
	}
	if req.Model == "" {
		req.Model = e.cfg.DefaultModel
	}
	set, err := e.Tools(req)
	if err != nil {
		return req, set, err
	}
	return req, set, nil
}

// Run executes req and waits for the CLI's single JSON result. Client
// disconnection does not cancel the run; only the timeout does.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	req, set, err := e.Prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("koine.mode", ModeJSON.String()),
		attribute.String("koine.model", req.Model),
		attribute.String("koine.tools", set.String()),
	))
	defer span.End()

	args := BuildArgs(req, set, ModeJSON)
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: maxStderr}
	cmd := e.command(runCtx, req, args)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		ferr := failure.Wrap(failure.CodeSpawn, fmt.Sprintf("failed to start %s", e.cfg.Binary), err)
		recordError(span, ferr)
		return nil, ferr
	}
	e.logger.Debug("cli started", "pid", cmd.Process.Pid, "mode", ModeJSON, "model", req.Model, "tools", set.String())

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if ferr := e.classifyExit(runCtx, waitErr, stderr.String(), stdout.String()); ferr != nil {
		e.logger.Warn("cli failed", "code", ferr.Code, "duration", elapsed, "error", ferr.Message)
		recordError(span, ferr)
		return nil, ferr
	}

	rec, err := decodeResult(stdout.Bytes())
	if err != nil {
		ferr := failure.WithRaw(failure.CodeParse, "failed to parse CLI output", stdout.String(), err)
		recordError(span, ferr)
		return nil, ferr
	}
	if rec.IsError {
		msg := rec.ResultText()
		if msg == "" {
			msg = "agent reported an error"
		}
		ferr := failure.WithRaw(failure.CodeExit, msg, stdout.String(), nil)
		recordError(span, ferr)
		return nil, ferr
	}

	res := &Result{
		Text:      rec.ResultText(),
		SessionID: rec.SessionID,
		Usage:     rec.TokenUsage(),
		Duration:  elapsed,
	}
	span.SetAttributes(
		attribute.Int("koine.usage.input", res.Usage.InputTokens),
		attribute.Int("koine.usage.output", res.Usage.OutputTokens),
	)
	e.logger.Info("cli completed",
		"session_id", res.SessionID,
		"duration", elapsed,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
	)
	return res, nil
}

// command builds the process for one execution. The process runs in its own
// group so a timeout kills any children it started.
func (e *Executor) command(ctx context.Context, req Request, args []string) *exec.Cmd {
	argv := append(append([]string{}, e.cfg.BinaryArgs...), args...)
	cmd := exec.CommandContext(ctx, e.cfg.Binary, argv...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	if req.UserEmail != "" {
		cmd.Env = append(cmd.Env, EnvUserEmail+"="+req.UserEmail)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = e.cfg.WaitDelay
	return cmd
}

// classifyExit maps a finished process to a failure, or nil on a clean exit.
func (e *Executor) classifyExit(ctx context.Context, waitErr error, stderr, stdout string) *failure.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.WithRaw(failure.CodeTimeout,
			fmt.Sprintf("CLI did not finish within %s", e.cfg.Timeout), stdout, ctx.Err())
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		msg := fmt.Sprintf("CLI exited with code %d", exitErr.ExitCode())
		if s := strings.TrimSpace(stderr); s != "" {
			msg += ": " + s
		}
		return failure.WithRaw(failure.CodeExit, msg, stdout, waitErr)
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		return nil
	}
	return failure.Wrap(failure.CodeExit, "CLI terminated abnormally", waitErr)
}

// decodeResult finds the result record in json-mode stdout. The CLI prints
// one object, but some builds emit log lines first, so the last line that
// decodes as a result wins.
func decodeResult(out []byte) (stream.Record, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return stream.Record{}, errors.New("empty output")
	}
	if rec, err := stream.DecodeRecord(trimmed); err == nil && rec.IsResult() {
		return rec, nil
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		rec, err := stream.DecodeRecord(bytes.TrimSpace(lines[i]))
		if err == nil && rec.IsResult() {
			return rec, nil
		}
	}
	return stream.Record{}, errors.New("no result record in output")
}

func recordError(span trace.Span, err *failure.Error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Code))
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
