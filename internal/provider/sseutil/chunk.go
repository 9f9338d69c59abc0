package sseutil

import (
	"encoding/json"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// BuildDeltaChunk builds an OpenAI-format streaming chunk JSON.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": NilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildToolCallDeltaChunk builds an OpenAI-format tool call delta chunk.
// id and name are included only on the first delta for a tool call.
func BuildToolCallDeltaChunk(chunkID, model string, index int, callID, name, argumentsDelta string) []byte {
	fn := map[string]any{"arguments": argumentsDelta}
	if name != "" {
		fn["name"] = name
	}
	call := map[string]any{
		"index":    index,
		"function": fn,
	}
	if callID != "" {
		call["id"] = callID
		call["type"] = "function"
	}
	chunk := map[string]any{
		"id":     chunkID,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"tool_calls": []map[string]any{call}},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildFinishChunk builds a chunk with finish_reason set.
func BuildFinishChunk(id, model, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildUsageChunk builds a chunk carrying final usage statistics.
func BuildUsageChunk(id, model string, usage *gateway.Usage) []byte {
	u := map[string]any{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	}
	if usage.ReasoningTokens > 0 {
		u["reasoning_tokens"] = usage.ReasoningTokens
	}
	if usage.CachedTokens() > 0 {
		u["prompt_tokens_details"] = map[string]any{"cached_tokens": usage.CachedTokens()}
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage":   u,
	}
	b, _ := json.Marshal(chunk)
	return b
}

// NilOrString returns nil if s is empty, otherwise s.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
