// ABOUTME: Builds the agent CLI argument vector for one execution.
// ABOUTME: Flags come first and the prompt is always the final token.

package executor

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/2389/koine-gateway/internal/tools"
)

// Mode selects the CLI output format.
type Mode int

const (
	// ModeJSON asks for a single JSON object on exit.
	ModeJSON Mode = iota
	// ModeStream asks for newline-delimited records with partial messages.
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "json"
}

// BuildArgs returns the CLI arguments for req under the resolved tool set.
// An unrestricted set omits --allowedTools entirely; an explicit empty set
// emits the flag with no names, which the CLI reads as "no tools".
func BuildArgs(req Request, set tools.Set, mode Mode) []string {
	args := []string{"--print"}
	switch mode {
	case ModeStream:
		args = append(args, "--output-format", "stream-json", "--verbose", "--include-partial-messages")
	default:
		args = append(args, "--output-format", "json")
	}

	if req.System != "" {
		args = append(args, "--system-prompt", req.System)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if !set.IsUnrestricted() {
		args = append(args, "--allowedTools")
		args = append(args, set.Names()...)
	}

	return append(args, Prompt(req))
}

// Prompt returns the prompt text sent to the CLI. A schema turns the request
// into a structured one and appends instructions to answer with JSON only.
func Prompt(req Request) string {
	if len(req.Schema) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\n\nRespond with a single JSON value that conforms to this JSON Schema:\n")
	b.Write(compactSchema(req.Schema))
	b.WriteString("\n\nOutput only the JSON. Do not add explanations or markdown outside of it.")
	return b.String()
}

func compactSchema(schema json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, schema); err != nil {
		return schema
	}
	return buf.Bytes()
}
