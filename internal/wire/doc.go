// Package wire defines the JSON request, response and SSE payload types of
// the gateway's HTTP protocol.
package wire
