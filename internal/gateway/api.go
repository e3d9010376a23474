// ABOUTME: HTTP API handlers for text/object generation, streaming, health and usage stats
// ABOUTME: Requests pass auth, then validation, then admission before the CLI is spawned

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/koine-gateway/internal/admission"
	"github.com/2389/koine-gateway/internal/auth"
	"github.com/2389/koine-gateway/internal/executor"
	"github.com/2389/koine-gateway/internal/extract"
	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/store"
	"github.com/2389/koine-gateway/internal/stream"
	"github.com/2389/koine-gateway/internal/telemetry"
	"github.com/2389/koine-gateway/internal/wire"
)

// Endpoint paths.
const (
	PathGenerateText   = "/generate-text"
	PathGenerateObject = "/generate-object"
	PathStream         = "/stream"
	PathStreamObject   = "/stream-object"
	PathHealth         = "/health"
	PathUsageStats     = "/api/stats/usage"
)

// HeaderRequestID carries the request identifier in both directions.
const HeaderRequestID = "X-Request-ID"

const maxRequestBody = 1 << 20

type (
	requestIDKey       struct{}
	generateRequestKey struct{}
)

// routes builds the mux. Generation endpoints run auth, then validation,
// then admission, so rejected requests never hold a slot.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	authn := auth.HTTPAuthMiddleware(g.auth, g.denyUnauthorized)
	nonStreaming := g.admission.Middleware(admission.NonStreaming, g.rejectAdmission)
	streaming := g.admission.Middleware(admission.Streaming, g.rejectAdmission)

	text := g.validateGenerate(false)
	object := g.validateGenerate(true)

	mux.Handle("POST "+PathGenerateText, authn(text(nonStreaming(http.HandlerFunc(g.handleGenerateText)))))
	mux.Handle("POST "+PathGenerateObject, authn(object(nonStreaming(http.HandlerFunc(g.handleGenerateObject)))))
	mux.Handle("POST "+PathStream, authn(text(streaming(g.streamHandler(PathStream, false)))))
	mux.Handle("POST "+PathStreamObject, authn(object(streaming(g.streamHandler(PathStreamObject, true)))))
	mux.Handle("GET "+PathUsageStats, authn(http.HandlerFunc(g.handleUsageStats)))
	mux.HandleFunc("GET "+PathHealth, g.handleHealth)

	return telemetry.HTTPMiddleware(g.config.Telemetry.ServiceName)(withRequestID(mux))
}

// withRequestID tags each request with an identifier, reusing the caller's
// X-Request-ID when one is sent.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (g *Gateway) requestLogger(r *http.Request) *slog.Logger {
	return g.logger.With("request_id", requestID(r.Context()), "path", r.URL.Path)
}

func (g *Gateway) denyUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	g.requestLogger(r).Debug("request rejected", "reason", message)
	w.Header().Set("WWW-Authenticate", "Bearer")
	g.sendJSONError(w, failure.New(failure.CodeUnauthorized, message))
}

func (g *Gateway) rejectAdmission(w http.ResponseWriter, r *http.Request, err error) {
	kind := "non-streaming"
	if r.URL.Path == PathStream || r.URL.Path == PathStreamObject {
		kind = "streaming"
	}
	if errors.Is(err, admission.ErrCapacityExceeded) {
		g.requestLogger(r).Warn("admission rejected", "pool", kind)
		g.sendJSONError(w, failure.Wrap(failure.CodeConcurrencyLimit,
			fmt.Sprintf("too many concurrent %s requests", kind), err))
		return
	}
	g.sendJSONError(w, failure.Wrap(failure.CodeInternal, "admission failed", err))
}

// decodeGenerateRequest reads the JSON body. Object endpoints also require
// a schema.
func decodeGenerateRequest(w http.ResponseWriter, r *http.Request, needSchema bool) (*wire.GenerateRequest, error) {
	var req wire.GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return nil, failure.Wrap(failure.CodeValidation, "invalid request body", err)
	}
	if needSchema && len(req.Schema) == 0 {
		return nil, failure.New(failure.CodeValidation, "schema is required")
	}
	return &req, nil
}

// validateGenerate decodes the body and checks prompt, schema and tool policy
// before the request reaches admission. The decoded request is passed on in
// the context.
func (g *Gateway) validateGenerate(structured bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := decodeGenerateRequest(w, r, structured)
			if err == nil {
				_, _, err = g.executor.Prepare(executorRequest(req, structured))
			}
			if err != nil {
				g.requestLogger(r).Debug("request invalid", "error", err)
				g.sendJSONError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), generateRequestKey{}, req)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// generateRequest returns the body decoded by validateGenerate.
func (g *Gateway) generateRequest(w http.ResponseWriter, r *http.Request) (*wire.GenerateRequest, bool) {
	req, ok := r.Context().Value(generateRequestKey{}).(*wire.GenerateRequest)
	if !ok {
		g.sendJSONError(w, failure.New(failure.CodeInternal, "request was not validated"))
	}
	return req, ok
}

func executorRequest(req *wire.GenerateRequest, withSchema bool) executor.Request {
	out := executor.Request{
		Prompt:       req.Prompt,
		System:       req.System,
		SessionID:    req.SessionID,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
		UserEmail:    req.UserEmail,
	}
	if withSchema {
		out.Schema = req.Schema
	}
	return out
}

func (g *Gateway) handleGenerateText(w http.ResponseWriter, r *http.Request) {
	log := g.requestLogger(r)

	req, ok := g.generateRequest(w, r)
	if !ok {
		return
	}

	res, err := g.executor.Run(r.Context(), executorRequest(req, false))
	if err != nil {
		log.Warn("generation failed", "error", err)
		g.sendJSONError(w, err)
		return
	}
	g.recordUsage(r, req, res.SessionID, res.Usage)

	writeJSON(w, http.StatusOK, wire.TextResponse{
		Text:      res.Text,
		Usage:     res.Usage,
		SessionID: res.SessionID,
	})
}

func (g *Gateway) handleGenerateObject(w http.ResponseWriter, r *http.Request) {
	log := g.requestLogger(r)

	req, ok := g.generateRequest(w, r)
	if !ok {
		return
	}

	res, err := g.executor.Run(r.Context(), executorRequest(req, true))
	if err != nil {
		log.Warn("generation failed", "error", err)
		g.sendJSONError(w, err)
		return
	}
	g.recordUsage(r, req, res.SessionID, res.Usage)

	obj, err := extract.JSON(res.Text)
	if err != nil {
		log.Warn("object extraction failed", "error", err, "bytes", len(res.Text))
		g.sendJSONError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wire.ObjectResponse{
		Object:    obj,
		RawText:   res.Text,
		Usage:     res.Usage,
		SessionID: res.SessionID,
	})
}

// streamHandler serves /stream and /stream-object. Failures before the CLI
// starts are plain JSON errors; after that everything is an SSE event and
// exactly one terminal event is written.
func (g *Gateway) streamHandler(endpoint string, structured bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := g.requestLogger(r)

		sw, err := stream.NewSSEWriter(w)
		if err != nil {
			log.Error("streaming not supported")
			g.sendJSONError(w, failure.Wrap(failure.CodeInternal, "streaming not supported", err))
			return
		}

		req, ok := g.generateRequest(w, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		x, err := g.executor.Stream(ctx, executorRequest(req, structured))
		if err != nil {
			log.Warn("stream rejected", "error", err)
			g.sendJSONError(w, err)
			return
		}

		sw.Start()
		last := g.forwardEvents(r, req, sw, x, structured)
		log.Info("stream finished", "endpoint", endpoint, "terminal", string(last), "pid", x.PID())
	}
}

// forwardEvents copies execution events to the client until a terminal
// event or a write failure. If the channel closes without a terminal event,
// one error event is written from the execution's outcome. It returns the
// type of the last event written.
func (g *Gateway) forwardEvents(r *http.Request, req *wire.GenerateRequest, sw *stream.SSEWriter, x *executor.Execution, structured bool) stream.EventType {
	var last stream.EventType
	for ev := range x.Events() {
		if ev.Type == stream.EventResult {
			if ev.Usage != nil {
				g.recordUsage(r, req, ev.SessionID, *ev.Usage)
			}
			if structured {
				ev = attachObject(ev)
			}
		}

		if err := sw.WriteEvent(ev); err != nil {
			g.requestLogger(r).Debug("client went away", "error", err)
			return last
		}
		last = ev.Type
		if ev.Terminal() {
			return last
		}
	}

	end := stream.ErrorEvent(failure.New(failure.CodeStream, "stream ended without a terminal event"))
	if err := x.Wait(); err != nil {
		end = stream.ErrorEvent(err)
	}
	if err := sw.WriteEvent(end); err != nil {
		g.requestLogger(r).Debug("client went away", "error", err)
		return last
	}
	return end.Type
}

// attachObject extracts the structured value from a result event's final
// text. When extraction fails the result is replaced by a terminal error.
func attachObject(ev stream.Event) stream.Event {
	obj, err := extract.JSON(ev.Final)
	if err != nil {
		return stream.ErrorEvent(err)
	}
	ev.Object = obj
	ev.RawText = ev.Final
	return ev
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := g.executor.Available()
	pools := g.admission.Status()

	resp := wire.HealthResponse{
		Status:       "healthy",
		CLIAvailable: available,
		Streaming:    wire.PoolHealth(pools.Streaming),
		NonStreaming: wire.PoolHealth(pools.NonStreaming),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !available {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, wire.ErrorResponse{
			Error: "usage ledger is disabled",
			Code:  string(failure.CodeInternal),
		})
		return
	}

	filter, err := parseUsageFilter(r)
	if err != nil {
		g.sendJSONError(w, err)
		return
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.requestLogger(r).Error("failed to query usage stats", "error", err)
		g.sendJSONError(w, failure.Wrap(failure.CodeInternal, "failed to query usage stats", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseUsageFilter(r *http.Request) (store.UsageFilter, error) {
	var filter store.UsageFilter
	q := r.URL.Query()

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, failure.Wrap(failure.CodeValidation, fmt.Sprintf("invalid %s: expected RFC 3339 time", p.name), err)
		}
		*p.dst = &t
	}
	if endpoint := q.Get("endpoint"); endpoint != "" {
		filter.Endpoint = &endpoint
	}
	return filter, nil
}

// recordUsage writes one ledger row. Failures are logged and never reach the
// caller.
func (g *Gateway) recordUsage(r *http.Request, req *wire.GenerateRequest, sessionID string, usage wire.Usage) {
	if g.store == nil {
		return
	}
	model := req.Model
	if model == "" {
		model = g.config.Claude.Model
	}
	rec := &store.UsageRecord{
		RequestID:    requestID(r.Context()),
		Endpoint:     r.URL.Path,
		SessionID:    sessionID,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if ac := auth.FromContext(r.Context()); ac != nil {
		rec.Subject = ac.Subject
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := g.store.SaveUsage(ctx, rec); err != nil {
		g.requestLogger(r).Error("failed to record usage", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError renders err as {error, code, rawText} with the status its
// classification maps to.
func (g *Gateway) sendJSONError(w http.ResponseWriter, err error) {
	fe := failure.As(err)
	status := fe.HTTPStatus()
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, wire.ErrorResponse{
		Error:   fe.Message,
		Code:    string(fe.Code),
		RawText: fe.RawText,
	})
}
