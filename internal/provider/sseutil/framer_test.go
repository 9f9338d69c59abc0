package sseutil

import (
	"errors"
	"strings"
	"testing"
)

func TestFramer_CompleteJSONTerminatesWithoutBlankLine(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	if err := f.Write([]byte("data: {\"id\":\"1\"}\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Data != `{"id":"1"}` {
		t.Errorf("Data = %q, want %q", ev.Data, `{"id":"1"}`)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", f.Buffered())
	}
}

func TestFramer_PartialJSONAcrossWrites(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	if err := f.Write([]byte(`data: {"id":"1","content":"hel`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, res := f.Next(); res != NeedMore {
		t.Fatalf("result = %v, want NeedMore", res)
	}

	if err := f.Write([]byte("lo\"}\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Data != `{"id":"1","content":"hello"}` {
		t.Errorf("Data = %q", ev.Data)
	}
}

func TestFramer_NamedEvent(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("event: content_block_delta\ndata: {\"delta\":{}}\n\n"))

	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Name != "content_block_delta" {
		t.Errorf("Name = %q, want content_block_delta", ev.Name)
	}
	if ev.Data != `{"delta":{}}` {
		t.Errorf("Data = %q", ev.Data)
	}
}

func TestFramer_DoneSentinel(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("data: [DONE]\n"))

	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Data != "[DONE]" {
		t.Errorf("Data = %q, want [DONE]", ev.Data)
	}
}

func TestFramer_NonJSONWaitsForBlankLine(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("data: plain text\n"))

	if _, res := f.Next(); res != NeedMore {
		t.Fatalf("result = %v, want NeedMore before blank line", res)
	}

	f.Write([]byte("\n"))
	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Data != "plain text" {
		t.Errorf("Data = %q, want %q", ev.Data, "plain text")
	}
}

func TestFramer_MultipleEventsInOneWrite(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("data: {\"n\":1}\ndata: {\"n\":2}\n"))

	for i, want := range []string{`{"n":1}`, `{"n":2}`} {
		ev, res := f.Next()
		if res != EventReady {
			t.Fatalf("event %d: result = %v, want EventReady", i, res)
		}
		if ev.Data != want {
			t.Errorf("event %d: Data = %q, want %q", i, ev.Data, want)
		}
	}
	if _, res := f.Next(); res != NeedMore {
		t.Errorf("trailing Next result = %v, want NeedMore", res)
	}
}

func TestFramer_FreshDataLineBoundsPendingEvent(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("data: first fragment\ndata: {\"n\":2}\n"))

	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Data != "first fragment" {
		t.Errorf("Data = %q, want %q", ev.Data, "first fragment")
	}

	ev, res = f.Next()
	if res != EventReady {
		t.Fatalf("second result = %v, want EventReady", res)
	}
	if ev.Data != `{"n":2}` {
		t.Errorf("second Data = %q", ev.Data)
	}
}

func TestFramer_KeepaliveCommentSkipped(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte(": keep-alive\n\ndata: {\"n\":1}\n"))

	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Data != `{"n":1}` {
		t.Errorf("Data = %q", ev.Data)
	}
}

func TestFramer_CRLFLines(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("event: ping\r\ndata: {\"ok\":true}\r\n\r\n"))

	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Name != "ping" {
		t.Errorf("Name = %q, want ping", ev.Name)
	}
	if ev.Data != `{"ok":true}` {
		t.Errorf("Data = %q", ev.Data)
	}
}

func TestFramer_MalformedLineSkipped(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("123 not sse\ndata: {\"n\":1}\n"))

	if _, res := f.Next(); res != InvalidFrame {
		t.Fatalf("result = %v, want InvalidFrame", res)
	}
	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("recovery result = %v, want EventReady", res)
	}
	if ev.Data != `{"n":1}` {
		t.Errorf("Data = %q", ev.Data)
	}
}

func TestFramer_BufferOverflow(t *testing.T) {
	t.Parallel()
	f := NewFramer(16)
	if err := f.Write([]byte("0123456789")); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	err := f.Write([]byte("0123456789"))
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("err = %v, want ErrBufferOverflow", err)
	}
}

func TestFramer_FlushReturnsPendingData(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("data: tail without newline"))

	ev, ok := f.Flush()
	if !ok {
		t.Fatal("Flush ok = false, want true")
	}
	if ev.Data != "tail without newline" {
		t.Errorf("Data = %q", ev.Data)
	}

	if _, ok := f.Flush(); ok {
		t.Error("second Flush ok = true, want false")
	}
}

func TestFramer_EventNameOnly(t *testing.T) {
	t.Parallel()
	f := NewFramer(0)
	f.Write([]byte("event: message_stop\n\n"))

	ev, res := f.Next()
	if res != EventReady {
		t.Fatalf("result = %v, want EventReady", res)
	}
	if ev.Name != "message_stop" {
		t.Errorf("Name = %q, want message_stop", ev.Name)
	}
	if ev.Data != "" {
		t.Errorf("Data = %q, want empty", ev.Data)
	}
}

func TestJSONComplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{`{}`, true},
		{`{"a":1}`, true},
		{`[1,2,3]`, true},
		{`{"a":{"b":[1,2]}}`, true},
		{`  {"a":1}  `, true},
		{`{"s":"brace } inside"}`, true},
		{`{"s":"escaped \" quote }"}`, true},
		{``, false},
		{`{`, false},
		{`{"a":1`, false},
		{`{"a":"unterminated`, false},
		{`"just a string"`, false},
		{`plain text`, false},
		{`{"a":1}}`, false},
		{`{"a":1} trailing`, false},
		{`[DONE]`, true}, // balanced brackets
	}
	for _, tt := range tests {
		if got := JSONComplete(tt.in); got != tt.want {
			t.Errorf("JSONComplete(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONComplete_LongPayload(t *testing.T) {
	t.Parallel()
	s := `{"content":"` + strings.Repeat("x", 4096) + `"}`
	if !JSONComplete(s) {
		t.Error("long payload reported incomplete")
	}
	if JSONComplete(s[:len(s)-1]) {
		t.Error("truncated payload reported complete")
	}
}
