// Package stream reframes agent CLI output into typed events and carries
// them over Server-Sent Events.
//
// # Server side
//
// In stream-json mode the CLI writes one JSON record per line. Reads from its
// stdout rarely line up with those lines, so LineSplitter keeps the trailing
// partial record between reads. Classifier maps each record to events:
//
//	system/init (or first session_id) -> session
//	stream_event text_delta           -> text
//	assistant message text            -> text (only when no deltas arrived)
//	result                            -> result, or error when is_error
//
// Reframer wires the two together. SSEWriter renders events as
//
//	event: <name>
//	data: <json>
//
// followed by a blank line.
//
// # Client side
//
// Decoder performs the same buffering on the SSE byte stream, splitting on
// blank lines and flushing any last record at end of stream. ParseEvent turns
// a record back into an Event.
package stream
