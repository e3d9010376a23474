// ABOUTME: Go client for the gateway's HTTP API.
// ABOUTME: Generates text and objects synchronously and consumes SSE streams.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/wire"
)

// Error is the classified error returned by every client call.
type Error = failure.Error

const defaultTimeout = 5 * time.Minute

// Config configures a Client.
type Config struct {
	// BaseURL is the gateway root, e.g. http://localhost:3100.
	BaseURL string
	// Timeout bounds synchronous calls. Streams are bounded by the caller's
	// context only.
	Timeout time.Duration
	// AuthKey is sent as a bearer token.
	AuthKey string
	// Model is sent with requests that do not name one.
	Model string
	// HTTPClient overrides the transport. Its Timeout is ignored.
	HTTPClient *http.Client
}

// Client talks to one gateway.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, failure.New(failure.CodeValidation, "base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		clone.Timeout = 0
		hc = &clone
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// Request is the input shared by all generation calls.
type Request struct {
	Prompt       string
	System       string
	SessionID    string
	Model        string
	AllowedTools []string
	UserEmail    string
}

func (c *Client) body(req Request, schema json.RawMessage) wire.GenerateRequest {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	return wire.GenerateRequest{
		Prompt:       req.Prompt,
		System:       req.System,
		SessionID:    req.SessionID,
		Model:        model,
		AllowedTools: req.AllowedTools,
		Schema:       schema,
		UserEmail:    req.UserEmail,
	}
}

// TextResult is the outcome of GenerateText.
type TextResult struct {
	Text      string
	Usage     wire.Usage
	SessionID string
}

// GenerateText runs a prompt and waits for the complete answer.
func (c *Client) GenerateText(ctx context.Context, req Request) (*TextResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var resp wire.TextResponse
	if err := c.postJSON(ctx, "/generate-text", c.body(req, nil), &resp); err != nil {
		return nil, err
	}
	return &TextResult{Text: resp.Text, Usage: resp.Usage, SessionID: resp.SessionID}, nil
}

// ObjectResult is the outcome of GenerateObject.
type ObjectResult struct {
	Object    json.RawMessage
	RawText   string
	Usage     wire.Usage
	SessionID string
}

// GenerateObject asks for a JSON value conforming to schema. When out is
// non-nil the object is also decoded into it; a mismatch is reported as
// VALIDATION_ERROR with the raw model text attached.
func (c *Client) GenerateObject(ctx context.Context, req Request, schema json.RawMessage, out any) (*ObjectResult, error) {
	if len(schema) == 0 {
		return nil, failure.New(failure.CodeValidation, "schema is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var resp wire.ObjectResponse
	if err := c.postJSON(ctx, "/generate-object", c.body(req, schema), &resp); err != nil {
		return nil, err
	}
	res := &ObjectResult{Object: resp.Object, RawText: resp.RawText, Usage: resp.Usage, SessionID: resp.SessionID}
	if out != nil {
		if err := json.Unmarshal(resp.Object, out); err != nil {
			return res, failure.WithRaw(failure.CodeValidation, "response object does not match the target type", resp.RawText, err)
		}
	}
	return res, nil
}

// Health fetches GET /health. A degraded gateway answers 503 with the same
// body, which is returned alongside an HTTP_ERROR.
func (c *Client) Health(ctx context.Context) (*wire.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, failure.Wrap(failure.CodeHTTP, "failed to build request", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, failure.Wrap(failure.CodeHTTP, "health request failed", err)
	}
	defer resp.Body.Close()

	var health wire.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, failure.Wrap(failure.CodeInvalidResponse, "invalid health response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, failure.New(failure.CodeHTTP, fmt.Sprintf("HTTP %s", resp.Status))
	}
	return &health, nil
}

func (c *Client) newPost(ctx context.Context, path string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, failure.Wrap(failure.CodeValidation, "failed to encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, failure.Wrap(failure.CodeHTTP, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthKey)
	}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	req, err := c.newPost(ctx, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return failure.Wrap(failure.CodeHTTP, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure.Wrap(failure.CodeInvalidResponse, "invalid response from gateway", err)
	}
	return nil
}

// parseErrorResponse reads a gateway error body, falling back to an
// HTTP_ERROR when the body is not the expected JSON.
func parseErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body wire.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return failure.WithRaw(failure.CodeHTTP, fmt.Sprintf("HTTP %s", resp.Status), string(data), err)
	}
	code := failure.Code(body.Code)
	if code == "" {
		code = failure.CodeHTTP
	}
	return failure.WithRaw(code, body.Error, body.RawText, nil)
}

// IsRetryable reports whether err is a capacity rejection or timeout.
func IsRetryable(err error) bool {
	var fe *failure.Error
	return errors.As(err, &fe) && fe.Retryable()
}
