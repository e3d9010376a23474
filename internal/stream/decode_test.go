// ABOUTME: Tests for the SSE writer and client-side decoder.
// ABOUTME: Round-trips events through arbitrary chunk boundaries.

package stream

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/koine-gateway/internal/failure"
	"github.com/2389/koine-gateway/internal/wire"
)

func TestDecoder_SingleRecord(t *testing.T) {
	var d Decoder
	recs := d.Feed([]byte("event: text\ndata: {\"text\":\"hi\"}\n\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, SSERecord{Event: "text", Data: `{"text":"hi"}`}, recs[0])
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	var d Decoder
	assert.Empty(t, d.Feed([]byte("event: ses")))
	assert.Empty(t, d.Feed([]byte("sion\ndata: {\"sessionId\":")))
	assert.Empty(t, d.Feed([]byte("\"abc\"}\n")))
	recs := d.Feed([]byte("\nevent: done\ndata: {}\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, "session", recs[0].Event)

	// Stream ended without the final blank line.
	rest := d.Flush()
	require.Len(t, rest, 1)
	assert.Equal(t, SSERecord{Event: "done", Data: "{}"}, rest[0])
}

func TestDecoder_CRLFAcrossChunks(t *testing.T) {
	var d Decoder
	assert.Empty(t, d.Feed([]byte("event: text\r\ndata: {\"text\":\"a\"}\r")))
	recs := d.Feed([]byte("\n\r\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, SSERecord{Event: "text", Data: `{"text":"a"}`}, recs[0])
}

func TestDecoder_CommentsAndMultiData(t *testing.T) {
	var d Decoder
	recs := d.Feed([]byte(": keepalive\n\ndata: line1\ndata: line2\n\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, SSERecord{Event: "message", Data: "line1\nline2"}, recs[0])
}

func TestDecoder_FlushEmpty(t *testing.T) {
	var d Decoder
	assert.Nil(t, d.Flush())
}

func TestParseEvent(t *testing.T) {
	ev, ok, err := ParseEvent(SSERecord{Event: "result", Data: `{"sessionId":"s","usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s", ev.SessionID)
	assert.Equal(t, wire.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}, *ev.Usage)

	ev, ok, err = ParseEvent(SSERecord{Event: "error", Data: `{"error":"boom"}`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, failure.CodeStream, ev.Err.Code)
	assert.Equal(t, "boom", ev.Err.Message)

	_, ok, err = ParseEvent(SSERecord{Event: "ping", Data: `{}`})
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseEvent(SSERecord{Event: "text", Data: `{"text":`})
	require.Error(t, err)
	fe := failure.As(err)
	assert.Equal(t, failure.CodeSSEParse, fe.Code)
	assert.Equal(t, `{"text":`, fe.RawText)
}

func TestSSEWriter_RoundTripByteByByte(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	w.Start()

	sent := []Event{
		SessionEvent("s1"),
		TextEvent("Hello"),
		TextEvent(" there\n\nfriend"),
		ResultEvent("s1", wire.NewUsage(3, 4)),
		DoneEvent(),
	}
	for _, ev := range sent {
		require.NoError(t, w.WriteEvent(ev))
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.Bytes()

	var d Decoder
	var got []Event
	for i := range body {
		for _, r := range d.Feed(body[i : i+1]) {
			ev, ok, err := ParseEvent(r)
			require.NoError(t, err)
			require.True(t, ok)
			got = append(got, ev)
		}
	}
	assert.Empty(t, d.Flush())
	assert.Equal(t, sent, got)
}

func TestFormatRecord(t *testing.T) {
	assert.Equal(t, "event: done\ndata: {}\n\n", FormatRecord("done", "{}"))
}
