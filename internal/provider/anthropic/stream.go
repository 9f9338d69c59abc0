package anthropic

import (
	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider/sseutil"
)

// blockInfo tracks one content block by its Anthropic index.
type blockInfo struct {
	kind      string // "text", "thinking", "tool_use"
	toolID    string
	toolName  string
	toolIndex int  // OpenAI-side tool_calls index
	announced bool // first delta already carried id and name
}

// streamState converts Anthropic SSE events into client-format chunks.
// One instance per stream, owned by the read loop.
type streamState struct {
	id           string
	model        string // catalog model id echoed to the client
	inputTokens  int
	cachedTokens int
	outputTokens int
	stopReason   string
	blocks       map[int]*blockInfo
	toolCount    int
	started      bool
}

func newStreamState(model string) *streamState {
	return &streamState{model: model, blocks: make(map[int]*blockInfo)}
}

// handleEvent processes one Anthropic event and returns client-format chunks.
func (s *streamState) handleEvent(event, data string) []gateway.StreamChunk {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_start":
		return s.onBlockStart(data)
	case "content_block_delta":
		return s.onBlockDelta(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "message_stop":
		return s.onMessageStop()
	case "error":
		return s.onError(data)
	default:
		// ping, content_block_stop
		return nil
	}
}

func (s *streamState) onMessageStart(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	s.id = r.Get("message.id").String()
	s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
	s.cachedTokens = int(r.Get("message.usage.cache_read_input_tokens").Int())
	s.started = true

	chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
	return []gateway.StreamChunk{{Data: chunk}}
}

func (s *streamState) onBlockStart(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	idx := int(r.Get("index").Int())
	info := &blockInfo{kind: r.Get("content_block.type").String()}
	if info.kind == "tool_use" {
		info.toolID = r.Get("content_block.id").String()
		info.toolName = r.Get("content_block.name").String()
		info.toolIndex = s.toolCount
		s.toolCount++
	}
	s.blocks[idx] = info

	if info.kind == "web_search_tool_result" {
		// One annotation per search result block; the accountant charges
		// per entry.
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{
			"annotations": []map[string]string{{"type": "web_search_tool_result"}},
		}, "")
		return []gateway.StreamChunk{{Data: chunk}}
	}
	return nil
}

func (s *streamState) onBlockDelta(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	idx := int(r.Get("index").Int())

	switch r.Get("delta.type").String() {
	case "text_delta":
		chunk := sseutil.BuildDeltaChunk(s.id, s.model,
			map[string]any{"content": r.Get("delta.text").String()}, "")
		return []gateway.StreamChunk{{Data: chunk}}

	case "thinking_delta":
		chunk := sseutil.BuildDeltaChunk(s.id, s.model,
			map[string]any{"reasoning_content": r.Get("delta.thinking").String()}, "")
		return []gateway.StreamChunk{{Data: chunk}}

	case "input_json_delta":
		info := s.blocks[idx]
		if info == nil {
			info = &blockInfo{kind: "tool_use", toolIndex: s.toolCount}
			s.toolCount++
			s.blocks[idx] = info
		}
		callID, name := "", ""
		if !info.announced {
			callID, name = info.toolID, info.toolName
			info.announced = true
		}
		chunk := sseutil.BuildToolCallDeltaChunk(s.id, s.model, info.toolIndex,
			callID, name, r.Get("delta.partial_json").String())
		return []gateway.StreamChunk{{Data: chunk}}
	}
	return nil
}

func (s *streamState) onMessageDelta(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	if v := r.Get("usage.output_tokens"); v.Exists() {
		s.outputTokens = int(v.Int())
	}
	if v := r.Get("delta.stop_reason"); v.Exists() {
		s.stopReason = v.String()
	}
	return nil
}

func (s *streamState) onMessageStop() []gateway.StreamChunk {
	finishReason := mapStopReason(s.stopReason)
	if finishReason == "" {
		finishReason = "stop"
	}

	prompt := s.inputTokens + s.cachedTokens
	usage := &gateway.Usage{
		PromptTokens:     prompt,
		CompletionTokens: s.outputTokens,
		TotalTokens:      prompt + s.outputTokens,
	}
	if s.cachedTokens > 0 {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: s.cachedTokens}
	}

	return []gateway.StreamChunk{
		{Data: sseutil.BuildFinishChunk(s.id, s.model, finishReason)},
		{Data: sseutil.BuildUsageChunk(s.id, s.model, usage), Usage: usage},
		{Done: true},
	}
}

func (s *streamState) onError(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	return []gateway.StreamChunk{{Err: &gateway.RequestError{
		Kind:    gateway.KindTransient,
		Code:    "upstream_stream_error",
		Message: r.Get("error.message").String(),
		Body:    data,
	}}}
}
