// Package gateway orchestrates the koine-gateway server components.
//
// # Overview
//
// The gateway package wires the request pipeline together and owns the
// listeners. A Gateway holds one executor, one admission controller, the
// bearer authenticator and the optional usage ledger; nothing is global, so
// tests build as many isolated gateways as they like.
//
// # HTTP API
//
// The endpoints are registered in api.go:
//
//   - POST /generate-text - Run the CLI and return {text, usage, sessionId}
//   - POST /generate-object - Same, plus a schema; returns {object, rawText, ...}
//   - POST /stream - Stream the run as Server-Sent Events
//   - POST /stream-object - Stream, with the object attached to the result event
//   - GET /health - CLI availability and pool occupancy (no auth)
//   - GET /api/stats/usage - Token totals from the usage ledger
//
// # Request Pipeline
//
// A protected request passes through, in order:
//
//  1. bearer authentication (static API key or HS256 JWT)
//  2. body decoding and validation
//  3. tool resolution; NO_ELIGIBLE_TOOLS is returned without spawning
//  4. admission into the streaming or non-streaming pool (429 when full)
//  5. the executor
//
// A request rejected in steps 1 to 3 never holds a slot, and an invalid
// request gets its 400 even while the pool is full. Failures in steps 1 to 4
// are JSON error bodies {error, code, rawText?}
// with the status from failure.Error.HTTPStatus. The admission slot is
// released when the handler returns or the client disconnects, whichever
// comes first.
//
// # SSE Streaming
//
// Streams are written with stream.SSEWriter:
//
//	event: session
//	data: {"sessionId":"..."}
//
//	event: text
//	data: {"text":"Hel"}
//
//	event: result
//	data: {"sessionId":"...","usage":{"input_tokens":12,"output_tokens":3,"total_tokens":15}}
//
//	event: done
//	data: {}
//
// A failed run ends with exactly one error event instead of done. On
// /stream-object a result whose text holds no JSON is replaced by a
// PARSE_ERROR error event carrying the raw text.
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled) the gateway also
// serves the standard grpc.health.v1 service. Both "" and "koine.Gateway"
// report SERVING while the CLI is installed and at least one pool has room.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (or :443 with tailnet certificates) for HTTP and :50051
// for gRPC; server addresses are ignored.
package gateway
