// ABOUTME: Scripted stand-in for the agent CLI used by tests and local E2E runs.
// ABOUTME: Speaks the json and stream-json output formats with selectable scenarios.

package fakecli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Scenarios understood by Run.
const (
	ScenarioEcho      = "echo"      // reply echoes the prompt
	ScenarioHello     = "hello"     // fixed {"result":"Hi",...,"session_id":"s1"} in flat-token form
	ScenarioArgs      = "args"      // reply is the JSON array of received arguments
	ScenarioObject    = "object"    // reply wraps a JSON object in prose and a fence
	ScenarioProse     = "prose"     // reply contains no JSON at all
	ScenarioFail      = "fail"      // writes to stderr and exits 3
	ScenarioGarbage   = "garbage"   // writes non-JSON to stdout and exits 0
	ScenarioIsError   = "is-error"  // result record flagged is_error
	ScenarioHang      = "hang"      // never finishes
	ScenarioTruncated = "truncated" // stream ends without a result record
	ScenarioMidFail   = "mid-fail"  // stream emits a delta then exits 1
	ScenarioFlood     = "flood"     // stream emits FloodDeltas deltas then never finishes
)

// FloodDeltas is the number of text deltas the flood scenario writes.
const FloodDeltas = 40

// EnvScenario selects the scenario when running as a helper process.
const EnvScenario = "KOINE_FAKE_SCENARIO"

// Invocation is the parsed command line of one fake run.
type Invocation struct {
	Args         []string
	OutputFormat string
	System       string
	Model        string
	Resume       string
	AllowedTools []string
	HasAllowed   bool
	Prompt       string
}

// Parse interprets args the way the gateway builds them: flags first, the
// prompt as the final token.
func Parse(args []string) Invocation {
	inv := Invocation{Args: args, OutputFormat: "text"}
	if len(args) == 0 {
		return inv
	}
	inv.Prompt = args[len(args)-1]
	flags := args[:len(args)-1]
	for i := 0; i < len(flags); i++ {
		next := func() string {
			if i+1 < len(flags) {
				i++
				return flags[i]
			}
			return ""
		}
		switch flags[i] {
		case "--output-format":
			inv.OutputFormat = next()
		case "--system-prompt":
			inv.System = next()
		case "--model":
			inv.Model = next()
		case "--resume":
			inv.Resume = next()
		case "--allowedTools":
			inv.HasAllowed = true
			for i+1 < len(flags) && !strings.HasPrefix(flags[i+1], "--") {
				i++
				inv.AllowedTools = append(inv.AllowedTools, flags[i])
			}
		}
	}
	return inv
}

// Run emulates one CLI invocation and returns the process exit code.
func Run(args []string, scenario string, stdout, stderr io.Writer) int {
	inv := Parse(args)
	if scenario == "" {
		scenario = ScenarioEcho
	}

	switch scenario {
	case ScenarioFail:
		fmt.Fprintln(stderr, "fatal: model overloaded")
		return 3
	case ScenarioGarbage:
		fmt.Fprintln(stdout, "this is not json")
		return 0
	case ScenarioHang:
		time.Sleep(time.Hour)
		return 0
	}

	sessionID := inv.Resume
	if sessionID == "" {
		sessionID = "s1"
	}
	reply := replyFor(scenario, inv)

	if scenario == ScenarioFlood {
		writeJSON(stdout, map[string]any{"type": "system", "subtype": "init", "session_id": sessionID})
		for i := range FloodDeltas {
			writeDelta(stdout, sessionID, fmt.Sprintf("d%d ", i))
		}
		time.Sleep(time.Hour)
		return 0
	}

	if inv.OutputFormat == "stream-json" {
		return runStream(scenario, sessionID, reply, stdout, stderr)
	}

	if scenario == ScenarioHello {
		fmt.Fprint(stdout, `{"result":"Hi","total_tokens_in":5,"total_tokens_out":3,"session_id":"s1"}`)
		return 0
	}
	writeJSON(stdout, resultRecord(sessionID, reply, scenario == ScenarioIsError))
	return 0
}

func replyFor(scenario string, inv Invocation) string {
	switch scenario {
	case ScenarioHello:
		return "Hi"
	case ScenarioArgs:
		data, _ := json.Marshal(inv.Args)
		return string(data)
	case ScenarioObject:
		return "Sure, here is the object:\n\n```json\n{\"name\":\"koine\",\"count\":2}\n```\n"
	case ScenarioProse:
		return "I would rather not produce JSON today."
	case ScenarioIsError:
		return "Error: max turns reached"
	default:
		return "Echo: " + inv.Prompt
	}
}

func runStream(scenario, sessionID, reply string, stdout, stderr io.Writer) int {
	writeJSON(stdout, map[string]any{
		"type": "system", "subtype": "init", "session_id": sessionID,
		"tools": []string{"Read", "Write"},
	})

	half := len(reply) / 2
	for _, part := range []string{reply[:half], reply[half:]} {
		writeDelta(stdout, sessionID, part)
		time.Sleep(5 * time.Millisecond)

		if scenario == ScenarioMidFail {
			fmt.Fprintln(stderr, "connection reset by peer")
			return 1
		}
	}

	if scenario == ScenarioTruncated {
		return 0
	}

	writeJSON(stdout, map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"content": []map[string]any{{"type": "text", "text": reply}},
		},
	})
	rec := resultRecord(sessionID, reply, scenario == ScenarioIsError)
	rec["type"] = "result"
	writeJSON(stdout, rec)
	return 0
}

func writeDelta(w io.Writer, sessionID, text string) {
	writeJSON(w, map[string]any{
		"type":       "stream_event",
		"session_id": sessionID,
		"event": map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text},
		},
	})
}

func resultRecord(sessionID, reply string, isError bool) map[string]any {
	subtype := "success"
	if isError {
		subtype = "error_max_turns"
	}
	return map[string]any{
		"type":       "result",
		"subtype":    subtype,
		"is_error":   isError,
		"result":     reply,
		"session_id": sessionID,
		"usage": map[string]any{
			"input_tokens":  len(strings.Fields(reply)) + 10,
			"output_tokens": len(strings.Fields(reply)),
		},
	}
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "%s\n", data)
}
