// Package sseutil provides SSE framing shared by the provider adapters.
//
// The Framer is a pure state machine over bytes: callers feed upstream
// chunks with Write and drain complete events with Next. Data survives
// chunk boundaries in an internal buffer bounded by a configurable limit.
package sseutil

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxBufferSize bounds the reassembly buffer (50 MiB).
const DefaultMaxBufferSize = 50 << 20

// ErrBufferOverflow is returned when the reassembly buffer exceeds its limit.
var ErrBufferOverflow = errors.New("sse buffer overflow")

// Event is a single parsed SSE event.
type Event struct {
	Name string // "event:" field, "" for plain data events
	Data string // concatenated "data:" payload
}

// Result is the outcome of a Next call.
type Result int

const (
	// EventReady means a complete event was produced.
	EventReady Result = iota
	// NeedMore means the buffer holds only a partial event.
	NeedMore
	// InvalidFrame means a malformed line was skipped; call Next again.
	InvalidFrame
)

// Framer reassembles SSE events across chunk boundaries.
// Not safe for concurrent use; each stream owns one Framer.
type Framer struct {
	buf     []byte
	maxSize int
}

// NewFramer returns a Framer with the given buffer limit
// (DefaultMaxBufferSize when maxSize <= 0).
func NewFramer(maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	return &Framer{maxSize: maxSize}
}

// Write appends an upstream chunk to the reassembly buffer.
func (f *Framer) Write(p []byte) error {
	if len(f.buf)+len(p) > f.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrBufferOverflow, len(f.buf)+len(p), f.maxSize)
	}
	f.buf = append(f.buf, p...)
	return nil
}

// Buffered returns the number of bytes awaiting a complete event.
func (f *Framer) Buffered() int { return len(f.buf) }

// Next extracts the next complete event from the buffer.
//
// An event ends at a blank line per the SSE spec. As an accelerator, a
// "data:" line whose payload passes the JSON-completeness heuristic
// terminates the event at its newline without waiting for the blank line;
// this keeps latency low for providers that omit blank separators.
func (f *Framer) Next() (Event, Result) {
	var ev Event
	pos := 0
	sawData := false

	for {
		// Skip leading blank lines between events.
		for !sawData && ev.Name == "" && pos < len(f.buf) && (f.buf[pos] == '\n' || f.buf[pos] == '\r') {
			pos++
		}
		if pos >= len(f.buf) {
			// Discard only when nothing was captured; a partial event must
			// stay buffered so the next call re-parses it from the start.
			if !sawData && ev.Name == "" {
				f.consume(pos)
			}
			return Event{}, NeedMore
		}

		nl := indexByte(f.buf, '\n', pos)
		if nl < 0 {
			// No trailing newline: the line may still be arriving.
			return Event{}, NeedMore
		}
		line := trimCR(string(f.buf[pos:nl]))
		next := nl + 1

		switch {
		case line == "":
			// Blank line: event boundary.
			if sawData || ev.Name != "" {
				f.consume(next)
				return ev, EventReady
			}
			pos = next

		case line[0] == ':':
			// Comment (keepalive); skip.
			pos = next
			if !sawData && ev.Name == "" {
				f.consume(pos)
				pos = 0
			}

		case strings.HasPrefix(line, "data:"):
			if sawData {
				// A fresh "data:" line bounds the pending (non-JSON-complete)
				// event; leave the new line in the buffer.
				f.consume(pos)
				return ev, EventReady
			}
			ev.Data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			sawData = true
			if JSONComplete(ev.Data) || ev.Data == "[DONE]" {
				f.consume(next)
				return ev, EventReady
			}
			pos = next

		case isFieldLine(line):
			name, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			if sawData {
				// A new field after data bounds the pending event; leave
				// the field line in the buffer for the next call.
				f.consume(pos)
				return ev, EventReady
			}
			if name == "event" {
				ev.Name = value
			}
			// id: and retry: are consumed but unused.
			pos = next

		default:
			// Malformed line: drop it and report.
			f.consume(next)
			return Event{}, InvalidFrame
		}
	}
}

// Flush returns any pending data event at stream end, when no terminating
// newline will arrive.
func (f *Framer) Flush() (Event, bool) {
	rest := strings.TrimSpace(string(f.buf))
	f.buf = f.buf[:0]
	if rest == "" {
		return Event{}, false
	}
	var ev Event
	for _, line := range strings.Split(rest, "\n") {
		line = trimCR(line)
		switch {
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += payload
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		}
	}
	return ev, ev.Data != "" || ev.Name != ""
}

func (f *Framer) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(f.buf) {
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf[:0], f.buf[n:]...)
}

func indexByte(b []byte, c byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}

func trimCR(s string) string {
	return strings.TrimSuffix(s, "\r")
}

// isFieldLine reports whether the line is an SSE field continuation
// (event:, id:, retry:, or another field-like token).
func isFieldLine(line string) bool {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return false
	}
	for i := range idx {
		c := line[i]
		ok := c == '-' || c == '_' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !ok {
			return false
		}
	}
	return true
}

// JSONComplete is an advisory heuristic for whether a payload is a complete
// JSON value: it must start and end with matching braces or brackets, with
// the nesting balanced outside string literals. The authoritative parse
// still happens downstream.
func JSONComplete(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return false
	}
	open := s[0]
	if open != '{' && open != '[' {
		return false
	}
	depth := 0
	inString := false
	escaped := false
	for i := range len(s) {
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
				return i == len(s)-1
			}
		}
	}
	return false
}
