package sseutil

import (
	"encoding/json"
	"testing"

	gateway "github.com/llmgateway/llmgateway/internal"
)

func TestBuildDeltaChunk(t *testing.T) {
	t.Parallel()
	b := BuildDeltaChunk("chatcmpl-1", "gpt-4o", map[string]any{"content": "hi"}, "")

	var chunk struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Index        int             `json:"index"`
			Delta        map[string]any  `json:"delta"`
			FinishReason json.RawMessage `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(b, &chunk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if chunk.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", chunk.Object)
	}
	if len(chunk.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(chunk.Choices))
	}
	if got := chunk.Choices[0].Delta["content"]; got != "hi" {
		t.Errorf("delta.content = %v, want hi", got)
	}
	if string(chunk.Choices[0].FinishReason) != "null" {
		t.Errorf("finish_reason = %s, want null", chunk.Choices[0].FinishReason)
	}
}

func TestBuildFinishChunk(t *testing.T) {
	t.Parallel()
	b := BuildFinishChunk("chatcmpl-1", "gpt-4o", "stop")

	var chunk struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(b, &chunk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if chunk.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", chunk.Choices[0].FinishReason)
	}
}

func TestBuildToolCallDeltaChunk_FirstDeltaCarriesIDAndName(t *testing.T) {
	t.Parallel()
	b := BuildToolCallDeltaChunk("chatcmpl-1", "gpt-4o", 0, "call_abc", "get_weather", `{"loc`)

	var chunk struct {
		Choices []struct {
			Delta struct {
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(b, &chunk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Type != "function" {
		t.Errorf("id = %q type = %q, want call_abc/function", tc.ID, tc.Type)
	}
	if tc.Function.Name != "get_weather" {
		t.Errorf("name = %q, want get_weather", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"loc` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}

	// Continuation deltas omit id, type, and name.
	b = BuildToolCallDeltaChunk("chatcmpl-1", "gpt-4o", 0, "", "", `ation"}`)
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal continuation: %v", err)
	}
	call := raw["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)
	if _, ok := call["id"]; ok {
		t.Error("continuation delta carries id")
	}
	if _, ok := call["function"].(map[string]any)["name"]; ok {
		t.Error("continuation delta carries name")
	}
}

func TestBuildUsageChunk(t *testing.T) {
	t.Parallel()
	usage := &gateway.Usage{
		PromptTokens:        10,
		CompletionTokens:    20,
		TotalTokens:         30,
		ReasoningTokens:     5,
		PromptTokensDetails: &gateway.PromptTokensDetails{CachedTokens: 4},
	}
	b := BuildUsageChunk("chatcmpl-1", "gpt-4o", usage)

	var chunk struct {
		Choices []any `json:"choices"`
		Usage   struct {
			PromptTokens        int `json:"prompt_tokens"`
			CompletionTokens    int `json:"completion_tokens"`
			TotalTokens         int `json:"total_tokens"`
			ReasoningTokens     int `json:"reasoning_tokens"`
			PromptTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(b, &chunk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(chunk.Choices) != 0 {
		t.Errorf("choices = %d, want empty", len(chunk.Choices))
	}
	if chunk.Usage.TotalTokens != 30 || chunk.Usage.ReasoningTokens != 5 {
		t.Errorf("usage = %+v", chunk.Usage)
	}
	if chunk.Usage.PromptTokensDetails.CachedTokens != 4 {
		t.Errorf("cached_tokens = %d, want 4", chunk.Usage.PromptTokensDetails.CachedTokens)
	}
}
