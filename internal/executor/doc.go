// Package executor runs the agent CLI for gateway requests.
//
// Each request spawns one CLI process. The argument vector is built from the
// request and the tool set resolved against the deployment policy: flags
// first, the prompt last, and --allowedTools present only when the set is
// explicit. The process runs in its own process group with a single timeout
// measured from spawn; on expiry the whole group is killed.
//
// # Synchronous execution
//
// Run uses --output-format json and waits for exit. The outcome is
// classified as one of:
//
//   - SPAWN_ERROR: the binary could not be started
//   - TIMEOUT_ERROR: the timeout expired
//   - CLI_EXIT_ERROR: non-zero exit (stderr in the message) or an is_error result
//   - PARSE_ERROR: stdout held no result record (stdout kept as raw text)
//
// The synchronous path ignores caller cancellation; only the timeout stops it.
//
// # Streaming execution
//
// Stream uses --output-format stream-json with partial messages. Stdout is
// reframed into session, text and result events as it arrives, followed by
// exactly one terminal event: done after a clean exit with a result, error
// otherwise. Cancelling the caller's context kills the process.
package executor
