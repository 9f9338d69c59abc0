// Package anthropic implements the provider adapter for the Anthropic
// Messages API, including Bedrock and Vertex hosting.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
)

// Thinking budgets by reasoning effort, in tokens.
var effortBudgets = map[string]int{
	"minimal": 1024,
	"low":     1024,
	"medium":  4096,
	"high":    16384,
}

// nativeRequest is the Anthropic Messages API request body.
type nativeRequest struct {
	Model       string          `json:"model,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []nativeMsg     `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
	Thinking    *thinkingConfig `json:"thinking,omitempty"`
}

type nativeMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// translateRequest converts a client-format request to the Messages API.
func translateRequest(a *provider.Attempt, stream bool) (*nativeRequest, error) {
	req := a.Request
	m := a.Mapping

	out := &nativeRequest{
		Model:     a.Native,
		MaxTokens: 4096, // required by the Messages API
		Stream:    stream,
		StopSeqs:  translateStop(req.Stop),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if m.SupportsParam("temperature") {
		out.Temperature = req.Temperature
	}
	if m.SupportsParam("top_p") {
		out.TopP = req.TopP
	}

	if effort := req.EffectiveReasoningEffort(); effort != "" && m.Reasoning {
		budget := effortBudgets[effort]
		if budget == 0 {
			budget = effortBudgets["medium"]
		}
		if rmt := req.ReasoningMaxTokens(); rmt != nil {
			budget = *rmt
		}
		out.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
		// Thinking rejects explicit sampling; temperature must stay at the
		// API default and top_p cannot be combined with it.
		out.Temperature = nil
		out.TopP = nil
		if out.MaxTokens <= budget {
			out.MaxTokens = budget + 4096
		}
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, contentAsText(msg.Content))
		case "user", "assistant":
			out.Messages = append(out.Messages, translateMessage(msg))
		case "tool":
			result := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				msg.ToolCallID, string(msg.Content))
			out.Messages = append(out.Messages, nativeMsg{
				Role:    "user",
				Content: json.RawMessage(result),
			})
		}
	}

	if instr := jsonInstruction(req.ResponseFormat); instr != "" {
		systemParts = append(systemParts, instr)
	}
	if len(systemParts) > 0 {
		sys, _ := json.Marshal(strings.Join(systemParts, "\n\n"))
		out.System = sys
	}

	var toolDefs []map[string]any
	if tools := req.FunctionTools(); len(tools) > 0 {
		translated, err := translateTools(tools)
		if err != nil {
			return nil, err
		}
		toolDefs = translated
	}
	if req.HasWebSearchTool() && m.WebSearch {
		toolDefs = append(toolDefs, map[string]any{
			"type": "web_search_20250305",
			"name": "web_search",
		})
	}
	if len(toolDefs) > 0 {
		out.Tools, _ = json.Marshal(toolDefs)
	}
	return out, nil
}

// translateMessage converts one user/assistant message, rewriting OpenAI
// image parts to Anthropic source blocks.
func translateMessage(msg gateway.Message) nativeMsg {
	trimmed := strings.TrimSpace(string(msg.Content))
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nativeMsg{Role: msg.Role, Content: msg.Content}
	}

	var blocks []json.RawMessage
	gjson.ParseBytes(msg.Content).ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			b, _ := json.Marshal(map[string]any{"type": "text", "text": part.Get("text").String()})
			blocks = append(blocks, b)
		case "image_url", "input_image":
			if b := translateImagePart(part); b != nil {
				blocks = append(blocks, b)
			}
		}
		return true
	})
	content, _ := json.Marshal(blocks)
	return nativeMsg{Role: msg.Role, Content: content}
}

// translateImagePart converts a data-URL or remote image part.
func translateImagePart(part gjson.Result) json.RawMessage {
	url := part.Get("image_url.url").String()
	if url == "" {
		url = part.Get("image_url").String()
	}
	if url == "" {
		return nil
	}
	if data, ok := strings.CutPrefix(url, "data:"); ok {
		mediaType, b64, found := strings.Cut(data, ";base64,")
		if !found {
			return nil
		}
		b, _ := json.Marshal(map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       b64,
			},
		})
		return b
	}
	b, _ := json.Marshal(map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "url", "url": url},
	})
	return b
}

// translateTools converts OpenAI function tools to Anthropic tool schemas.
func translateTools(tools []gateway.Tool) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		fn := gjson.ParseBytes(t.Function)
		name := fn.Get("name").String()
		if name == "" {
			return nil, fmt.Errorf("anthropic: function tool missing name")
		}
		tool := map[string]any{"name": name}
		if d := fn.Get("description"); d.Exists() {
			tool["description"] = d.String()
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool["input_schema"] = json.RawMessage(p.Raw)
		} else {
			tool["input_schema"] = map[string]any{"type": "object"}
		}
		out = append(out, tool)
	}
	return out, nil
}

// translateStop normalizes the OpenAI stop field (string or array) to
// Anthropic stop_sequences.
func translateStop(stop json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(stop))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.RawMessage("[" + trimmed + "]")
	}
	return stop
}

// jsonInstruction returns the system suffix enforcing a JSON response shape.
func jsonInstruction(rf *gateway.ResponseFormat) string {
	if rf == nil {
		return ""
	}
	switch rf.Type {
	case "json_object":
		return "Respond only with a valid JSON object. No prose, no code fences."
	case "json_schema":
		if len(rf.Schema) > 0 {
			return "Respond only with a valid JSON object conforming to this JSON Schema. No prose, no code fences.\n" + string(rf.Schema)
		}
		return "Respond only with a valid JSON object. No prose, no code fences."
	default:
		return ""
	}
}

// contentAsText flattens string-or-parts message content to plain text.
func contentAsText(content json.RawMessage) string {
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if json.Unmarshal(content, &s) == nil {
			return s
		}
	}
	var b strings.Builder
	gjson.ParseBytes(content).ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}

// translateResponse converts a Messages API JSON response to client format.
func translateResponse(model string, data []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	stopReason := mapStopReason(result.Get("stop_reason").String())

	var contentText, reasoningText strings.Builder
	var toolCalls []json.RawMessage
	webSearches := 0
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "thinking":
			reasoningText.WriteString(block.Get("thinking").String())
		case "web_search_tool_result":
			webSearches++
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant", ReasoningContent: reasoningText.String()}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if webSearches > 0 {
		// One annotation per search result block; the accountant charges
		// per entry.
		entries := make([]map[string]string, webSearches)
		for i := range entries {
			entries[i] = map[string]string{"type": "web_search_tool_result"}
		}
		msg.Annotations, _ = json.Marshal(entries)
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = parseUsage(u)
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// parseUsage converts an Anthropic usage block, mapping cache reads to the
// cached prompt token detail.
func parseUsage(u gjson.Result) *gateway.Usage {
	in := int(u.Get("input_tokens").Int())
	out := int(u.Get("output_tokens").Int())
	cached := int(u.Get("cache_read_input_tokens").Int())
	usage := &gateway.Usage{
		PromptTokens:     in + cached,
		CompletionTokens: out,
		TotalTokens:      in + cached + out,
	}
	if cached > 0 {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: cached}
	}
	return usage
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default:
		return reason
	}
}
