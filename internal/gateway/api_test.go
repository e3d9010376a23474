// ABOUTME: Tests for the HTTP API against an httptest server and a fake CLI process
// ABOUTME: Covers auth, admission, validation, extraction, SSE framing and usage stats

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/koine-gateway/internal/admission"
	"github.com/2389/koine-gateway/internal/client"
	"github.com/2389/koine-gateway/internal/config"
	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/fakecli"
	"github.com/2389/koine-gateway/internal/store"
	"github.com/2389/koine-gateway/internal/stream"
	"github.com/2389/koine-gateway/internal/wire"
)

const (
	helperEnv  = "KOINE_WANT_HELPER_PROCESS"
	testAPIKey = "test-api-key"
)

// TestHelperProcess is not a real test. It is re-executed as the CLI.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	os.Exit(fakecli.Run(args, os.Getenv(fakecli.EnvScenario), os.Stdout, os.Stderr))
}

func newTestServer(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{BaseURL: srv.URL, AuthKey: testAPIKey, Timeout: 10 * time.Second})
	require.NoError(t, err)
	return c
}

func post(t *testing.T, srv *httptest.Server, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) wire.ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body wire.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// readSSE reads the whole event stream and parses every record.
func readSSE(t *testing.T, resp *http.Response) []stream.Event {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var dec stream.Decoder
	records := append(dec.Feed(data), dec.Flush()...)
	events := make([]stream.Event, 0, len(records))
	for _, rec := range records {
		ev, ok, err := stream.ParseEvent(rec)
		require.NoError(t, err)
		require.True(t, ok, "unknown event %q", rec.Event)
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []stream.Event) []stream.EventType {
	types := make([]stream.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestGenerateText_HelloEndToEnd(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))
	c := newTestClient(t, srv)

	res, err := c.GenerateText(context.Background(), client.Request{Prompt: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi", res.Text)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, wire.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}, res.Usage)
}

func TestGenerateText_ForwardsRequestFields(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioArgs))

	resp := post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{
		Prompt:       "do it",
		System:       "be brief",
		SessionID:    "s0",
		Model:        "haiku",
		AllowedTools: []string{"Read"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body wire.TextResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	var args []string
	require.NoError(t, json.Unmarshal([]byte(body.Text), &args))

	inv := fakecli.Parse(args)
	assert.Equal(t, "do it", inv.Prompt)
	assert.Equal(t, "be brief", inv.System)
	assert.Equal(t, "s0", inv.Resume)
	assert.Equal(t, "haiku", inv.Model)
	assert.Equal(t, []string{"Read"}, inv.AllowedTools)
	assert.Equal(t, "s0", body.SessionID)
}

func TestGenerateText_DefaultModelFromConfig(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioArgs)
	cfg.Claude.Model = "sonnet"
	_, srv := newTestServer(t, cfg)

	resp := post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body wire.TextResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	var args []string
	require.NoError(t, json.Unmarshal([]byte(body.Text), &args))
	assert.Equal(t, "sonnet", fakecli.Parse(args).Model)
}

func TestGenerateText_NoEligibleToolsDoesNotSpawn(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioHello)
	cfg.Claude.Binary = filepath.Join(t.TempDir(), "missing-cli")
	cfg.Claude.AllowedTools = []string{"Read"}
	gw, srv := newTestServer(t, cfg)

	resp := post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{
		Prompt:       "x",
		AllowedTools: []string{"Bash"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, string(failure.CodeNoEligibleTools), body.Code)

	// A spawn attempt would have surfaced as SPAWN_ERROR instead.
	assert.Eventually(t, func() bool {
		return gw.admission.Status().NonStreaming.Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGenerateText_Unauthorized(t *testing.T) {
	gw, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong", "not-the-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, PathGenerateText, tt.token, wire.GenerateRequest{Prompt: "x"})
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
			assert.Equal(t, string(failure.CodeUnauthorized), decodeError(t, resp).Code)
		})
	}
	assert.Equal(t, 0, gw.admission.Status().NonStreaming.Active)
}

func TestGenerateText_ConcurrencyLimit(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioHello)
	cfg.Concurrency.MaxNonStreaming = 1
	gw, srv := newTestServer(t, cfg)

	held, err := gw.admission.Acquire(admission.NonStreaming)
	require.NoError(t, err)

	resp := post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, string(failure.CodeConcurrencyLimit), decodeError(t, resp).Code)

	// The streaming pool is independent.
	streamResp := post(t, srv, PathStream, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusOK, streamResp.StatusCode)
	_ = readSSE(t, streamResp)

	held.Release()
	resp = post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestValidationBeforeAdmission(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioHello)
	cfg.Concurrency.MaxNonStreaming = 1
	cfg.Concurrency.MaxStreaming = 1
	cfg.Claude.DisallowedTools = []string{"Bash"}
	gw, srv := newTestServer(t, cfg)

	heldText, err := gw.admission.Acquire(admission.NonStreaming)
	require.NoError(t, err)
	defer heldText.Release()
	heldStream, err := gw.admission.Acquire(admission.Streaming)
	require.NoError(t, err)
	defer heldStream.Release()

	tests := []struct {
		name string
		path string
		body any
		code failure.Code
	}{
		{"empty prompt", PathGenerateText, wire.GenerateRequest{}, failure.CodeValidation},
		{"malformed body", PathGenerateText, `{"prompt":`, failure.CodeValidation},
		{"denied tools", PathGenerateText, wire.GenerateRequest{Prompt: "x", AllowedTools: []string{"Bash"}}, failure.CodeNoEligibleTools},
		{"object without schema", PathGenerateObject, wire.GenerateRequest{Prompt: "x"}, failure.CodeValidation},
		{"stream empty prompt", PathStream, wire.GenerateRequest{}, failure.CodeValidation},
		{"stream denied tools", PathStream, wire.GenerateRequest{Prompt: "x", AllowedTools: []string{"Bash"}}, failure.CodeNoEligibleTools},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, tt.path, testAPIKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, string(tt.code), decodeError(t, resp).Code)
		})
	}

	// The held slots are still the only ones taken.
	status := gw.admission.Status()
	assert.Equal(t, 1, status.NonStreaming.Active)
	assert.Equal(t, 1, status.Streaming.Active)

	// A valid request still meets the full pool.
	resp := post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGenerateText_Validation(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))

	tests := []struct {
		name string
		body any
	}{
		{"empty prompt", wire.GenerateRequest{}},
		{"malformed body", `{"prompt":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, PathGenerateText, testAPIKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, string(failure.CodeValidation), decodeError(t, resp).Code)
		})
	}
}

func TestGenerateText_CLIFailures(t *testing.T) {
	tests := []struct {
		scenario string
		status   int
		code     failure.Code
	}{
		{fakecli.ScenarioFail, http.StatusInternalServerError, failure.CodeExit},
		{fakecli.ScenarioGarbage, http.StatusInternalServerError, failure.CodeParse},
		{fakecli.ScenarioIsError, http.StatusInternalServerError, failure.CodeExit},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			_, srv := newTestServer(t, testConfig(t, tt.scenario))

			resp := post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{Prompt: "x"})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.code), decodeError(t, resp).Code)
		})
	}
}

func TestGenerateText_Timeout(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioHang)
	cfg.Claude.Timeout = 300 * time.Millisecond
	_, srv := newTestServer(t, cfg)

	resp := post(t, srv, PathGenerateText, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, string(failure.CodeTimeout), decodeError(t, resp).Code)
}

type testObject struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

var testSchema = json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"count":{"type":"integer"}}}`)

func TestGenerateObject(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioObject))
	c := newTestClient(t, srv)

	var out testObject
	res, err := c.GenerateObject(context.Background(), client.Request{Prompt: "make one"}, testSchema, &out)
	require.NoError(t, err)
	assert.Equal(t, testObject{Name: "koine", Count: 2}, out)
	assert.JSONEq(t, `{"name":"koine","count":2}`, string(res.Object))
	assert.Contains(t, res.RawText, "Sure, here is the object")
	assert.Equal(t, "s1", res.SessionID)
}

func TestGenerateObject_PromptCarriesSchema(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioArgs))

	resp := post(t, srv, PathGenerateObject, testAPIKey, wire.GenerateRequest{Prompt: "make one", Schema: testSchema})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body wire.ObjectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	var args []string
	require.NoError(t, json.Unmarshal(body.Object, &args))
	prompt := fakecli.Parse(args).Prompt
	assert.Contains(t, prompt, "make one")
	assert.Contains(t, prompt, `"count":{"type":"integer"}`)
}

func TestGenerateObject_RequiresSchema(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioObject))

	resp := post(t, srv, PathGenerateObject, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(failure.CodeValidation), decodeError(t, resp).Code)
}

func TestGenerateObject_ExtractionFailureKeepsRawText(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioProse))

	resp := post(t, srv, PathGenerateObject, testAPIKey, wire.GenerateRequest{Prompt: "x", Schema: testSchema})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, string(failure.CodeParse), body.Code)
	assert.Equal(t, "I would rather not produce JSON today.", body.RawText)
}

func TestStream_OrderThroughClient(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioEcho))
	c := newTestClient(t, srv)
	ctx := context.Background()

	res, err := c.StreamText(ctx, client.Request{Prompt: "hey"})
	require.NoError(t, err)
	defer res.Close()

	var chunks []string
	for chunk := range res.TextStream() {
		chunks = append(chunks, chunk)
	}
	require.NoError(t, res.Err())
	assert.Len(t, chunks, 2)

	text, err := res.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Echo: hey", text)
	assert.Equal(t, text, chunks[0]+chunks[1])

	session, err := res.SessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", session)

	usage, err := res.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, usage.InputTokens+usage.OutputTokens, usage.TotalTokens)
	assert.Positive(t, usage.OutputTokens)
}

func TestStream_SSEFraming(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioEcho))

	events := readSSE(t, post(t, srv, PathStream, testAPIKey, wire.GenerateRequest{Prompt: "hey"}))
	assert.Equal(t, []stream.EventType{
		stream.EventSession, stream.EventText, stream.EventText, stream.EventResult, stream.EventDone,
	}, eventTypes(events))
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Nil(t, events[3].Object, "plain streams carry no object")
}

func TestStream_FailureEndsWithSingleError(t *testing.T) {
	tests := []struct {
		scenario string
		code     failure.Code
	}{
		{fakecli.ScenarioMidFail, failure.CodeExit},
		{fakecli.ScenarioTruncated, failure.CodeParse},
		{fakecli.ScenarioIsError, failure.CodeExit},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			_, srv := newTestServer(t, testConfig(t, tt.scenario))

			events := readSSE(t, post(t, srv, PathStream, testAPIKey, wire.GenerateRequest{Prompt: "hey"}))
			require.NotEmpty(t, events)

			terminals := 0
			for _, ev := range events {
				assert.NotEqual(t, stream.EventDone, ev.Type)
				if ev.Terminal() {
					terminals++
				}
			}
			assert.Equal(t, 1, terminals)
			last := events[len(events)-1]
			assert.Equal(t, stream.EventError, last.Type)
			assert.Equal(t, tt.code, last.Err.Code)
		})
	}
}

func TestStream_TimeoutDeliversEverythingThenError(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioFlood)
	cfg.Claude.Timeout = 1500 * time.Millisecond
	_, srv := newTestServer(t, cfg)

	resp := post(t, srv, PathStream, testAPIKey, wire.GenerateRequest{Prompt: "hey"})
	time.Sleep(2 * time.Second)
	events := readSSE(t, resp)

	texts, terminals := 0, 0
	for _, ev := range events {
		if ev.Type == stream.EventText {
			texts++
		}
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, fakecli.FloodDeltas, texts)
	assert.Equal(t, 1, terminals)

	last := events[len(events)-1]
	require.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, failure.CodeTimeout, last.Err.Code)
}

func TestStream_RejectedBeforeSpawnIsJSON(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioEcho)
	cfg.Claude.DisallowedTools = []string{"Bash"}
	gw, srv := newTestServer(t, cfg)

	resp := post(t, srv, PathStream, testAPIKey, wire.GenerateRequest{Prompt: "x", AllowedTools: []string{"Bash"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(failure.CodeNoEligibleTools), decodeError(t, resp).Code)

	assert.Eventually(t, func() bool {
		return gw.admission.Status().Streaming.Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStreamObject(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioObject))

	events := readSSE(t, post(t, srv, PathStreamObject, testAPIKey, wire.GenerateRequest{Prompt: "x", Schema: testSchema}))
	require.Equal(t, []stream.EventType{
		stream.EventSession, stream.EventText, stream.EventText, stream.EventResult, stream.EventDone,
	}, eventTypes(events))

	result := events[3]
	assert.JSONEq(t, `{"name":"koine","count":2}`, string(result.Object))
	assert.Contains(t, result.RawText, "```json")
	require.NotNil(t, result.Usage)
	assert.Positive(t, result.Usage.TotalTokens)
}

func TestStreamObject_ExtractionFailureReplacesResult(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioProse))

	events := readSSE(t, post(t, srv, PathStreamObject, testAPIKey, wire.GenerateRequest{Prompt: "x", Schema: testSchema}))
	require.NotEmpty(t, events)

	types := eventTypes(events)
	assert.NotContains(t, types, stream.EventResult)
	assert.NotContains(t, types, stream.EventDone)

	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, failure.CodeParse, last.Err.Code)
	assert.Equal(t, "I would rather not produce JSON today.", last.Err.RawText)
}

func TestStreamObject_RequiresSchema(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioObject))

	resp := post(t, srv, PathStreamObject, testAPIKey, wire.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(failure.CodeValidation), decodeError(t, resp).Code)
}

func TestHealth_NoAuthRequired(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioHello)
	cfg.Concurrency = config.ConcurrencyConfig{MaxStreaming: 2, MaxNonStreaming: 4}
	gw, srv := newTestServer(t, cfg)

	held, err := gw.admission.Acquire(admission.Streaming)
	require.NoError(t, err)
	defer held.Release()

	resp := get(t, srv, PathHealth, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body wire.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.CLIAvailable)
	assert.Equal(t, wire.PoolHealth{Active: 1, Max: 2}, body.Streaming)
	assert.Equal(t, wire.PoolHealth{Active: 0, Max: 4}, body.NonStreaming)
	_, err = time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
}

func TestHealth_CLIUnavailable(t *testing.T) {
	cfg := testConfig(t, fakecli.ScenarioHello)
	cfg.Claude.Binary = filepath.Join(t.TempDir(), "missing-cli")
	_, srv := newTestServer(t, cfg)

	resp := get(t, srv, PathHealth, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body wire.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.False(t, body.CLIAvailable)
}

func TestHealth_ThroughClient(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))
	c := newTestClient(t, srv)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
}

func TestUsageStats(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))
	c := newTestClient(t, srv)

	for range 2 {
		_, err := c.GenerateText(context.Background(), client.Request{Prompt: "Hello", Model: "haiku"})
		require.NoError(t, err)
	}

	resp := get(t, srv, PathUsageStats, testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats store.UsageStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(2), stats.RequestCount)
	assert.Equal(t, int64(10), stats.TotalInput)
	assert.Equal(t, int64(6), stats.TotalOutput)
	assert.Equal(t, int64(16), stats.TotalTokens)
	require.Len(t, stats.ByModel, 1)
	assert.Equal(t, "haiku", stats.ByModel[0].Model)

	resp = get(t, srv, PathUsageStats+"?endpoint="+PathStream, testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(0), stats.RequestCount)
}

func TestUsageStats_RecordsStreams(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioEcho))

	_ = readSSE(t, post(t, srv, PathStream, testAPIKey, wire.GenerateRequest{Prompt: "hey"}))

	resp := get(t, srv, PathUsageStats+"?endpoint="+PathStream, testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats store.UsageStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.RequestCount)
}

func TestUsageStats_Errors(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))

	resp := get(t, srv, PathUsageStats, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, srv, PathUsageStats+"?since=yesterday", testAPIKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(failure.CodeValidation), decodeError(t, resp).Code)

	cfg := testConfig(t, fakecli.ScenarioHello)
	cfg.Database.Path = ""
	_, noLedger := newTestServer(t, cfg)
	resp = get(t, noLedger, PathUsageStats, testAPIKey)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))

	resp := get(t, srv, PathHealth, "")
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	req, err := http.NewRequest(http.MethodGet, srv.URL+PathHealth, nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "trace-me")
	resp2, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "trace-me", resp2.Header.Get(HeaderRequestID))
}

func TestWrongMethod(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t, fakecli.ScenarioHello))

	resp := get(t, srv, PathGenerateText, testAPIKey)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
