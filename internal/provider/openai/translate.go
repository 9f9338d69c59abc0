package openai

import (
	"encoding/json"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
)

// nativeRequest is the OpenAI chat completions request body. Gateway-only
// routing fields never reach the wire.
type nativeRequest struct {
	Model            string                 `json:"model"`
	Messages         []gateway.Message      `json:"messages"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	MaxTokens        *int                   `json:"max_completion_tokens,omitempty"`
	FrequencyPenalty *float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64               `json:"presence_penalty,omitempty"`
	Stream           bool                   `json:"stream,omitempty"`
	StreamOptions    *gateway.StreamOptions `json:"stream_options,omitempty"`
	Stop             json.RawMessage        `json:"stop,omitempty"`
	ResponseFormat   json.RawMessage        `json:"response_format,omitempty"`
	Tools            []gateway.Tool         `json:"tools,omitempty"`
	ToolChoice       json.RawMessage        `json:"tool_choice,omitempty"`
	ReasoningEffort  string                 `json:"reasoning_effort,omitempty"`
	WebSearchOptions json.RawMessage        `json:"web_search_options,omitempty"`
	User             string                 `json:"user,omitempty"`
}

// translateRequest builds the native body for one attempt. Sampling
// parameters outside the mapping's supported set are dropped rather than
// forwarded to fail upstream.
func translateRequest(a *provider.Attempt, stream bool) *nativeRequest {
	req := a.Request
	m := a.Mapping

	out := &nativeRequest{
		Model:      a.Native,
		Messages:   req.Messages,
		MaxTokens:  req.MaxTokens,
		Stream:     stream,
		Stop:       req.Stop,
		Tools:      req.FunctionTools(),
		ToolChoice: req.ToolChoice,
		User:       req.User,
	}
	if m.SupportsParam("temperature") {
		out.Temperature = req.Temperature
	}
	if m.SupportsParam("top_p") {
		out.TopP = req.TopP
	}
	if m.SupportsParam("frequency_penalty") {
		out.FrequencyPenalty = req.FrequencyPenalty
	}
	if m.SupportsParam("presence_penalty") {
		out.PresencePenalty = req.PresencePenalty
	}
	if stream {
		out.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}
	if effort := req.EffectiveReasoningEffort(); effort != "" && m.Reasoning {
		out.ReasoningEffort = effort
	}
	if req.HasWebSearchTool() {
		out.WebSearchOptions = json.RawMessage(`{}`)
	}
	out.ResponseFormat = translateResponseFormat(req.ResponseFormat)
	return out
}

// translateResponseFormat wraps a raw schema in OpenAI's json_schema shape.
func translateResponseFormat(rf *gateway.ResponseFormat) json.RawMessage {
	if rf == nil || rf.Type == "" || rf.Type == "text" {
		return nil
	}
	if rf.Type == "json_schema" && len(rf.Schema) > 0 {
		b, _ := json.Marshal(map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": json.RawMessage(rf.Schema),
				"strict": true,
			},
		})
		return b
	}
	b, _ := json.Marshal(map[string]string{"type": rf.Type})
	return b
}
