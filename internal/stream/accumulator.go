// Package stream runs the client-facing streaming pipeline: it relays
// adapter chunks to the SSE sink while accumulating the state the cost
// accountant and logger need after the stream ends.
package stream

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// toolAcc merges the argument deltas of one tool call.
type toolAcc struct {
	id   string
	name string
	args strings.Builder
}

// ToolCall is a fully accumulated tool call.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Accumulator gathers streaming state for one attempt. Owned by the single
// pipeline goroutine; no locking.
type Accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	tools     map[int]*toolAcc

	Usage        *gateway.Usage
	FinishReason string

	WebSearchCount int
	ImageCount     int
	ChunkCount     int

	start            time.Time
	firstContentAt   time.Time
	firstReasoningAt time.Time
}

// NewAccumulator starts accumulation; start anchors TTFT measurements.
func NewAccumulator(start time.Time) *Accumulator {
	return &Accumulator{tools: make(map[int]*toolAcc), start: start}
}

// Observe folds one client-format chunk into the accumulated state.
func (a *Accumulator) Observe(data []byte) {
	a.ChunkCount++
	r := gjson.ParseBytes(data)

	if u := r.Get("usage"); u.Exists() && u.Type != gjson.Null {
		a.observeUsage(u)
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
		a.FinishReason = fr.String()
	}

	delta := choice.Get("delta")
	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		if a.firstContentAt.IsZero() {
			a.firstContentAt = time.Now()
		}
		a.text.WriteString(content.String())
	}
	if reasoning := delta.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
		if a.firstReasoningAt.IsZero() {
			a.firstReasoningAt = time.Now()
		}
		a.reasoning.WriteString(reasoning.String())
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		acc := a.tools[idx]
		if acc == nil {
			acc = &toolAcc{}
			a.tools[idx] = acc
		}
		if id := tc.Get("id").String(); id != "" {
			acc.id = id
		}
		if name := tc.Get("function.name").String(); name != "" {
			acc.name = name
		}
		acc.args.WriteString(tc.Get("function.arguments").String())
		return true
	})
	if ann := delta.Get("annotations"); ann.Exists() && ann.IsArray() {
		a.WebSearchCount += len(ann.Array())
	}
	if imgs := delta.Get("images"); imgs.Exists() && imgs.IsArray() {
		a.ImageCount += len(imgs.Array())
	}
}

func (a *Accumulator) observeUsage(u gjson.Result) {
	usage := &gateway.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		ReasoningTokens:  int(u.Get("reasoning_tokens").Int()),
	}
	if rt := u.Get("completion_tokens_details.reasoning_tokens"); rt.Exists() {
		usage.ReasoningTokens = int(rt.Int())
	}
	if cached := u.Get("prompt_tokens_details.cached_tokens"); cached.Exists() && cached.Int() > 0 {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: int(cached.Int())}
	}
	a.Usage = usage
}

// Text returns the accumulated assistant text.
func (a *Accumulator) Text() string { return a.text.String() }

// Reasoning returns the accumulated reasoning trace.
func (a *Accumulator) Reasoning() string { return a.reasoning.String() }

// ToolCalls returns the accumulated tool calls in index order.
func (a *Accumulator) ToolCalls() []ToolCall {
	if len(a.tools) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.tools))
	for i := range a.tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		t := a.tools[i]
		out = append(out, ToolCall{ID: t.id, Name: t.name, Arguments: t.args.String()})
	}
	return out
}

// Empty reports whether the stream produced no content, reasoning, tool
// calls, or generated images.
func (a *Accumulator) Empty() bool {
	return a.text.Len() == 0 && a.reasoning.Len() == 0 && len(a.tools) == 0 && a.ImageCount == 0
}

// CombinedOutput concatenates every token-bearing output for tokenizer
// estimation: content, reasoning, and tool call payloads.
func (a *Accumulator) CombinedOutput() string {
	var sb strings.Builder
	sb.WriteString(a.text.String())
	sb.WriteString(a.reasoning.String())
	for _, t := range a.ToolCalls() {
		sb.WriteString(t.Name)
		sb.WriteString(t.Arguments)
	}
	return sb.String()
}

// TTFT returns the time to first content token, 0 when none arrived.
func (a *Accumulator) TTFT() time.Duration {
	if a.firstContentAt.IsZero() {
		return 0
	}
	return a.firstContentAt.Sub(a.start)
}

// TTRT returns the time to first reasoning token, 0 when none arrived.
func (a *Accumulator) TTRT() time.Duration {
	if a.firstReasoningAt.IsZero() {
		return 0
	}
	return a.firstReasoningAt.Sub(a.start)
}
