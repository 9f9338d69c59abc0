package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
	"github.com/llmgateway/llmgateway/internal/provider/sseutil"
)

var _ provider.Adapter = (*ResponsesClient)(nil)

// ResponsesClient is an adapter for the OpenAI Responses API. Requests and
// responses are converted to and from the chat completions client format.
type ResponsesClient struct {
	id        string
	baseURL   string
	http      *http.Client
	maxBuffer int
}

// NewResponses creates a ResponsesClient. An empty baseURL targets the
// OpenAI API.
func NewResponses(id, baseURL string, client *http.Client, maxBuffer int) *ResponsesClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ResponsesClient{
		id:        id,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      client,
		maxBuffer: maxBuffer,
	}
}

// ID returns the provider id this adapter is registered under.
func (c *ResponsesClient) ID() string { return c.id }

// Complete sends a non-streaming request to /responses.
func (c *ResponsesClient) Complete(ctx context.Context, a *provider.Attempt) (*gateway.ChatResponse, error) {
	resp, err := c.post(ctx, a, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.id, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.WrapTransportError(c.id, err)
	}
	return translateResponsesResponse(a.Model, body), nil
}

// Stream sends a streaming request to /responses and converts the typed
// Responses event stream into chat completion chunks.
func (c *ResponsesClient) Stream(ctx context.Context, a *provider.Attempt) (<-chan gateway.StreamChunk, error) {
	resp, err := c.post(ctx, a, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.id, resp)
	}

	state := &responsesStreamState{model: a.Model}
	handle := func(ev sseutil.Event) []gateway.StreamChunk {
		if ev.Data == "" {
			return nil
		}
		return state.handleEvent(ev.Data)
	}
	return provider.StreamSSE(ctx, c.id, resp.Body, c.maxBuffer, handle, state.finish), nil
}

func (c *ResponsesClient) post(ctx context.Context, a *provider.Attempt, stream bool) (*http.Response, error) {
	body, err := json.Marshal(translateResponsesRequest(a, stream))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal responses request: %w", err)
	}
	baseURL := c.baseURL
	if a.BaseURL != "" {
		baseURL = strings.TrimRight(a.BaseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/responses", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)
	for k, v := range a.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(c.id, err)
	}
	return resp, nil
}

// translateResponsesRequest converts a chat completions request into the
// Responses API body. Prior tool calls and tool results become top-level
// function_call and function_call_output items.
func translateResponsesRequest(a *provider.Attempt, stream bool) map[string]any {
	req := a.Request
	m := a.Mapping

	out := map[string]any{
		"model": a.Native,
		"input": translateInput(req.Messages),
		"store": false,
	}
	if stream {
		out["stream"] = true
	}
	if req.MaxTokens != nil {
		out["max_output_tokens"] = *req.MaxTokens
	}
	if m.SupportsParam("temperature") && req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if m.SupportsParam("top_p") && req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.User != "" {
		out["user"] = req.User
	}
	if effort := req.EffectiveReasoningEffort(); effort != "" && m.Reasoning {
		out["reasoning"] = map[string]string{"effort": effort}
	}

	var tools []map[string]any
	for _, t := range req.FunctionTools() {
		// The Responses API flattens the function envelope.
		fn := map[string]any{}
		_ = json.Unmarshal(t.Function, &fn)
		fn["type"] = "function"
		tools = append(tools, fn)
	}
	if req.HasWebSearchTool() && m.WebSearch {
		tools = append(tools, map[string]any{"type": "web_search"})
	}
	if len(tools) > 0 {
		out["tools"] = tools
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			out["text"] = map[string]any{"format": map[string]any{"type": "json_object"}}
		case "json_schema":
			out["text"] = map[string]any{"format": map[string]any{
				"type":   "json_schema",
				"name":   "response",
				"schema": json.RawMessage(rf.Schema),
				"strict": true,
			}}
		}
	}
	return out
}

// translateInput converts chat messages to Responses input items.
func translateInput(msgs []gateway.Message) []map[string]any {
	var items []map[string]any
	for _, msg := range msgs {
		switch msg.Role {
		case "system", "user":
			items = append(items, map[string]any{
				"role":    msg.Role,
				"content": translateInputContent(msg.Content, msg.Role == "user"),
			})
		case "assistant":
			if text := messageText(msg.Content); text != "" {
				items = append(items, map[string]any{
					"role":    "assistant",
					"content": []map[string]any{{"type": "output_text", "text": text}},
				})
			}
			gjson.ParseBytes(msg.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
				items = append(items, map[string]any{
					"type":      "function_call",
					"call_id":   tc.Get("id").String(),
					"name":      tc.Get("function.name").String(),
					"arguments": tc.Get("function.arguments").String(),
				})
				return true
			})
		case "tool":
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  messageText(msg.Content),
			})
		}
	}
	return items
}

// translateInputContent converts string-or-parts content to Responses input
// parts. Image parts are allowed only on user turns.
func translateInputContent(raw json.RawMessage, allowImages bool) []map[string]any {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '[' {
		return []map[string]any{{"type": "input_text", "text": messageText(raw)}}
	}
	var parts []map[string]any
	gjson.ParseBytes(raw).ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"type": "input_text", "text": p.Get("text").String()})
		case "image_url", "input_image":
			if !allowImages {
				return true
			}
			url := p.Get("image_url.url").String()
			if url == "" {
				url = p.Get("image_url").String()
			}
			if url != "" {
				parts = append(parts, map[string]any{"type": "input_image", "image_url": url})
			}
		}
		return true
	})
	return parts
}

func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, p gjson.Result) bool {
		if p.Get("type").String() == "text" {
			b.WriteString(p.Get("text").String())
		}
		return true
	})
	return b.String()
}

// translateResponsesResponse converts a unary Responses body to client
// format. Completed web search calls become annotation entries so the
// accountant can bill them.
func translateResponsesResponse(model string, data []byte) *gateway.ChatResponse {
	r := gjson.ParseBytes(data)

	var contentText, reasoningText strings.Builder
	var toolCalls []json.RawMessage
	webSearches := 0
	r.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					contentText.WriteString(part.Get("text").String())
				}
				return true
			})
		case "reasoning":
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				reasoningText.WriteString(part.Get("text").String())
				return true
			})
		case "function_call":
			tc, _ := json.Marshal(map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			})
			toolCalls = append(toolCalls, tc)
		case "web_search_call":
			if item.Get("status").String() == "completed" {
				webSearches++
			}
		}
		return true
	})

	msg := gateway.Message{Role: "assistant", ReasoningContent: reasoningText.String()}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls, _ = json.Marshal(toolCalls)
	}
	if webSearches > 0 {
		msg.Annotations = searchAnnotations(webSearches)
	}

	finishReason := mapResponsesStatus(r.Get("status").String(), r.Get("incomplete_details.reason").String())
	if len(toolCalls) > 0 && finishReason == "stop" {
		finishReason = "tool_calls"
	}

	var usage *gateway.Usage
	if u := r.Get("usage"); u.Exists() {
		usage = parseResponsesUsage(u)
	}

	return &gateway.ChatResponse{
		ID:      r.Get("id").String(),
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finishReason}},
		Usage:   usage,
	}
}

// searchAnnotations builds n placeholder annotation entries, one per billed
// web search call.
func searchAnnotations(n int) json.RawMessage {
	anns := make([]map[string]string, n)
	for i := range anns {
		anns[i] = map[string]string{"type": "web_search_call"}
	}
	raw, _ := json.Marshal(anns)
	return raw
}

// mapResponsesStatus converts a Responses status to a finish reason.
func mapResponsesStatus(status, incompleteReason string) string {
	switch status {
	case "completed":
		return "stop"
	case "incomplete":
		if incompleteReason == "max_output_tokens" {
			return "length"
		}
		return "content_filter"
	default:
		return "stop"
	}
}

// parseResponsesUsage converts Responses usage to the client shape.
func parseResponsesUsage(u gjson.Result) *gateway.Usage {
	usage := &gateway.Usage{
		PromptTokens:     int(u.Get("input_tokens").Int()),
		CompletionTokens: int(u.Get("output_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		ReasoningTokens:  int(u.Get("output_tokens_details.reasoning_tokens").Int()),
	}
	if cached := u.Get("input_tokens_details.cached_tokens"); cached.Exists() && cached.Int() > 0 {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: int(cached.Int())}
	}
	return usage
}
