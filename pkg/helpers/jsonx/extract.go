// Package jsonx extracts the first well-formed JSON value from free-form
// model output. Stages that expect structured output but cannot force it
// use this to tolerate prose or code fences around the JSON.
package jsonx

import (
	"encoding/json"
	"strings"
)

// FirstObject returns the first top-level JSON object in s, or false if
// none parses.
func FirstObject(s string) (map[string]any, bool) {
	raw, ok := firstValue(s, '{', '}')
	if !ok {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

// FirstArray returns the first top-level JSON array in s, or false if
// none parses.
func FirstArray(s string) ([]any, bool) {
	raw, ok := firstValue(s, '[', ']')
	if !ok {
		return nil, false
	}
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

// FirstStringArray is FirstArray narrowed to arrays of strings;
// non-string elements are skipped.
func FirstStringArray(s string) ([]string, bool) {
	arr, ok := FirstArray(s)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out, true
}

// Raw extraction: scan for the opening bracket, then bracket-match while
// skipping string literals and escapes.
func firstValue(s string, open, closing byte) (string, bool) {
	s = stripFences(s)
	start := strings.IndexByte(s, open)
	for start >= 0 {
		if raw, ok := matchBrackets(s[start:], open, closing); ok {
			return raw, true
		}
		next := strings.IndexByte(s[start+1:], open)
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return "", false
}

func matchBrackets(s string, open, closing byte) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// stripFences removes a leading/trailing markdown code fence if the
// whole payload is fenced.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	rest := trimmed[3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
