// Package heal repairs truncated JSON responses produced by models under a
// json_object or json_schema response format. Pure functions, no I/O.
package heal

import (
	"encoding/json"
	"strings"
)

// Result describes the outcome of a healing attempt.
type Result struct {
	Content         string `json:"content"`
	Healed          bool   `json:"healed"`
	HealingMethod   string `json:"healing_method,omitempty"`
	OriginalContent string `json:"original_content,omitempty"`
}

// Heal attempts to turn content into valid JSON. If the input already
// parses, it is returned unchanged with Healed=false. Strategies are tried
// in order: strip trailing garbage, close unclosed strings and brackets.
func Heal(content string) Result {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return Result{Content: trimmed}
	}

	if fixed, ok := stripTrailing(trimmed); ok {
		return Result{Content: fixed, Healed: true, HealingMethod: "strip_trailing", OriginalContent: content}
	}
	if fixed, ok := closeOpen(trimmed); ok {
		return Result{Content: fixed, Healed: true, HealingMethod: "close_brackets", OriginalContent: content}
	}
	// Unrepairable: hand the original back so the client sees what the
	// model produced.
	return Result{Content: content}
}

// stripTrailing removes non-JSON text after the outermost value, e.g. a
// model's prose suffix or a dangling code fence.
func stripTrailing(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

// closeOpen appends the closers for any unclosed string, object, or array.
func closeOpen(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s[start:])
	if inString {
		b.WriteByte('"')
	} else {
		// A value cut off after a key or comma cannot be closed directly;
		// drop the dangling fragment back to the last complete element.
		tail := strings.TrimRight(b.String(), " \t\r\n")
		if strings.HasSuffix(tail, ",") || strings.HasSuffix(tail, ":") {
			tail = strings.TrimRight(tail, ",: \t\r\n")
			// Drop a dangling object key left without a value.
			if strings.HasSuffix(tail, `"`) {
				if idx := strings.LastIndex(tail[:len(tail)-1], `"`); idx >= 0 {
					tail = strings.TrimRight(tail[:idx], ", \t\r\n")
				}
			}
			b.Reset()
			b.WriteString(tail)
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	out := b.String()
	if json.Valid([]byte(out)) {
		return out, true
	}
	return "", false
}
