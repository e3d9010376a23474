// Package failure defines the error taxonomy of the gateway.
//
// Failures are detected in three places: before a subprocess is spawned
// (validation, tool policy, admission), while it runs (spawn, timeout,
// non-zero exit, unparsable output), and on the consuming side of a stream
// (SSE framing, missing terminal markers). Each is surfaced as an *Error with
// a stable Code, a human-readable Message and, where available, the raw text
// that could not be parsed.
//
//	if fe := failure.As(err); fe.Code == failure.CodeTimeout {
//	    // process was killed
//	}
package failure
