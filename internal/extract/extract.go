// ABOUTME: Locates and parses one JSON value inside free-form completion text.
// ABOUTME: Tries whole text, then fenced code blocks, then the first balanced span.

package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/2389/koine-gateway/internal/failure"
)

// fencePattern matches ```json ... ``` blocks. The label is optional so an
// unlabeled fence is also tried, after the labeled ones.
var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_-]*)[ \t]*\r?\n(.*?)```")

// JSON returns the first JSON value found in text. Strategies are tried in
// order and the first that parses wins:
//
//  1. the entire (trimmed) text
//  2. a fenced code block labeled json (then any unlabeled fence)
//  3. the first balanced {...} or [...] span, ignoring braces in strings
//
// When none succeed the returned *failure.Error has Code PARSE_ERROR and
// carries text in RawText.
func JSON(text string) (json.RawMessage, error) {
	if v, ok := whole(text); ok {
		return v, nil
	}
	if v, ok := fenced(text); ok {
		return v, nil
	}
	if v, ok := balanced(text); ok {
		return v, nil
	}
	return nil, failure.WithRaw(failure.CodeParse, "no valid JSON found in response", text, nil)
}

// Into extracts a JSON value from text and decodes it into v.
func Into(text string, v any) error {
	raw, err := JSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return failure.WithRaw(failure.CodeParse, "extracted JSON does not match target", text, err)
	}
	return nil
}

func whole(text string) (json.RawMessage, bool) {
	return valid(strings.TrimSpace(text))
}

func fenced(text string) (json.RawMessage, bool) {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		if strings.EqualFold(m[1], "json") {
			if v, ok := valid(strings.TrimSpace(m[2])); ok {
				return v, true
			}
		}
	}
	for _, m := range matches {
		if m[1] == "" {
			if v, ok := valid(strings.TrimSpace(m[2])); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// balanced scans for the first opening brace or bracket whose matching close
// produces valid JSON. Quotes and escapes are tracked so that braces inside
// string literals do not count. Each scan records the close of every opener
// it passes, so later candidates reuse it and long unclosed input is walked
// once.
func balanced(text string) (json.RawMessage, bool) {
	closes := make(map[int]int)
	for start := 0; start < len(text); start++ {
		c := text[start]
		if c != '{' && c != '[' {
			continue
		}
		end, seen := closes[start]
		if !seen {
			scanPairs(text, start, closes)
			end = closes[start]
		}
		if end < 0 {
			continue
		}
		if v, ok := valid(text[start : end+1]); ok {
			return v, true
		}
	}
	return nil, false
}

// scanPairs walks text from the opener at start until it is closed, storing
// the close index of every opener outside a string in closes. Openers still
// open at the end of text are stored as -1.
func scanPairs(text string, start int, closes map[int]int) {
	var open []int
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			open = append(open, i)
		case '}', ']':
			last := open[len(open)-1]
			open = open[:len(open)-1]
			closes[last] = i
			if len(open) == 0 {
				return
			}
		}
	}
	for _, o := range open {
		closes[o] = -1
	}
}

func valid(s string) (json.RawMessage, bool) {
	if s == "" || !json.Valid([]byte(s)) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}
