package stream

import (
	"testing"
	"time"
)

func TestAccumulator_Content(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())

	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))

	if got := a.Text(); got != "Hello" {
		t.Errorf("Text = %q, want Hello", got)
	}
	if a.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", a.FinishReason)
	}
	if a.ChunkCount != 3 {
		t.Errorf("ChunkCount = %d, want 3", a.ChunkCount)
	}
	if a.Empty() {
		t.Error("Empty = true after content")
	}
	if a.TTFT() <= 0 {
		t.Error("TTFT not recorded")
	}
}

func TestAccumulator_Reasoning(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())

	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"reasoning_content":"think"}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"reasoning_content":"ing"}}]}`))

	if got := a.Reasoning(); got != "thinking" {
		t.Errorf("Reasoning = %q, want thinking", got)
	}
	if a.TTRT() <= 0 {
		t.Error("TTRT not recorded")
	}
	if a.Empty() {
		t.Error("Empty = true after reasoning")
	}
}

func TestAccumulator_ToolCallMerge(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())

	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}]}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"SF\"}"}}]}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"get_time","arguments":"{}"}}]}}]}`))

	calls := a.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "get_weather" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[0].Arguments != `{"city":"SF"}` {
		t.Errorf("arguments = %q", calls[0].Arguments)
	}
	if calls[1].ID != "call_2" || calls[1].Name != "get_time" {
		t.Errorf("calls[1] = %+v", calls[1])
	}
}

func TestAccumulator_Usage(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())

	a.Observe([]byte(`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30,"completion_tokens_details":{"reasoning_tokens":7},"prompt_tokens_details":{"cached_tokens":4}}}`))

	if a.Usage == nil {
		t.Fatal("Usage = nil")
	}
	if a.Usage.PromptTokens != 10 || a.Usage.CompletionTokens != 20 {
		t.Errorf("usage = %+v", a.Usage)
	}
	if a.Usage.ReasoningTokens != 7 {
		t.Errorf("ReasoningTokens = %d, want 7", a.Usage.ReasoningTokens)
	}
	if a.Usage.CachedTokens() != 4 {
		t.Errorf("CachedTokens = %d, want 4", a.Usage.CachedTokens())
	}
}

func TestAccumulator_NullUsageIgnored(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"content":"x"}}],"usage":null}`))
	if a.Usage != nil {
		t.Errorf("Usage = %+v, want nil for null usage", a.Usage)
	}
}

func TestAccumulator_Annotations(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"annotations":[{"type":"url_citation"},{"type":"url_citation"}]}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"annotations":[{"type":"url_citation"}]}}]}`))

	if a.WebSearchCount != 3 {
		t.Errorf("WebSearchCount = %d, want 3", a.WebSearchCount)
	}
}

func TestAccumulator_ImageDeltas(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"images":[{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}]}}]}`))

	if a.ImageCount != 1 {
		t.Errorf("ImageCount = %d, want 1", a.ImageCount)
	}
	if a.Empty() {
		t.Error("Empty = true for an image-only stream")
	}
}

func TestAccumulator_CombinedOutput(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"content":"text"}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"reasoning_content":"思"}}]}`))
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"name":"fn","arguments":"{}"}}]}}]}`))

	got := a.CombinedOutput()
	want := "text思fn{}"
	if got != want {
		t.Errorf("CombinedOutput = %q, want %q", got, want)
	}
}

func TestAccumulator_EmptyStream(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Now())
	if !a.Empty() {
		t.Error("fresh accumulator not empty")
	}
	a.Observe([]byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	if !a.Empty() {
		t.Error("finish-only stream not empty")
	}
	if a.TTFT() != 0 {
		t.Errorf("TTFT = %v, want 0 with no content", a.TTFT())
	}
}
