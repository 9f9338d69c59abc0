package openai

import (
	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider/sseutil"
)

// responsesStreamState converts typed Responses API events into chat
// completion chunks. Tool call argument deltas are correlated by item id;
// completed web search calls surface as annotation entries.
type responsesStreamState struct {
	id           string
	model        string
	usage        *gateway.Usage
	finishReason string
	tools        map[string]int
	toolCount    int
	started      bool
	done         bool
}

// handleEvent processes one event payload. The payload's type field is
// authoritative; the SSE event name is ignored.
func (s *responsesStreamState) handleEvent(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)

	switch r.Get("type").String() {
	case "response.created":
		s.id = r.Get("response.id").String()
		if s.started {
			return nil
		}
		s.started = true
		return []gateway.StreamChunk{{
			Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, ""),
		}}

	case "response.output_text.delta":
		if text := r.Get("delta").String(); text != "" {
			return []gateway.StreamChunk{{
				Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, ""),
			}}
		}

	case "response.reasoning_summary_text.delta":
		if text := r.Get("delta").String(); text != "" {
			return []gateway.StreamChunk{{
				Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"reasoning_content": text}, ""),
			}}
		}

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		if s.tools == nil {
			s.tools = make(map[string]int)
		}
		idx := s.toolCount
		s.toolCount++
		s.tools[item.Get("id").String()] = idx
		return []gateway.StreamChunk{{
			Data: sseutil.BuildToolCallDeltaChunk(s.id, s.model, idx,
				item.Get("call_id").String(), item.Get("name").String(), item.Get("arguments").String()),
		}}

	case "response.function_call_arguments.delta":
		idx, ok := s.tools[r.Get("item_id").String()]
		if !ok {
			return nil
		}
		return []gateway.StreamChunk{{
			Data: sseutil.BuildToolCallDeltaChunk(s.id, s.model, idx, "", "", r.Get("delta").String()),
		}}

	case "response.web_search_call.completed":
		return []gateway.StreamChunk{{
			Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{
				"annotations": []map[string]string{{"type": "web_search_call"}},
			}, ""),
		}}

	case "response.completed", "response.incomplete":
		resp := r.Get("response")
		if u := resp.Get("usage"); u.Exists() {
			s.usage = parseResponsesUsage(u)
		}
		s.finishReason = mapResponsesStatus(resp.Get("status").String(), resp.Get("incomplete_details.reason").String())
		s.done = true
		return s.emitFinish()

	case "response.failed", "error":
		s.done = true
		msg := r.Get("response.error.message").String()
		if msg == "" {
			msg = r.Get("message").String()
		}
		return []gateway.StreamChunk{{Err: &gateway.RequestError{
			Kind:    gateway.KindTransient,
			Code:    "upstream_stream_error",
			Message: msg,
			Body:    data,
		}}}
	}
	return nil
}

// finish handles upstream EOF without a terminal event.
func (s *responsesStreamState) finish() []gateway.StreamChunk {
	if s.done {
		return nil
	}
	return s.emitFinish()
}

func (s *responsesStreamState) emitFinish() []gateway.StreamChunk {
	finishReason := s.finishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	if s.toolCount > 0 && finishReason == "stop" {
		finishReason = "tool_calls"
	}

	out := []gateway.StreamChunk{
		{Data: sseutil.BuildFinishChunk(s.id, s.model, finishReason)},
	}
	if s.usage != nil {
		out = append(out, gateway.StreamChunk{
			Data:  sseutil.BuildUsageChunk(s.id, s.model, s.usage),
			Usage: s.usage,
		})
	}
	return append(out, gateway.StreamChunk{Done: true})
}
