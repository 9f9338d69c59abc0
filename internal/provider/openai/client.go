// Package openai implements the provider adapter for the OpenAI API and for
// OpenAI-compatible upstreams (including the org-configured custom provider).
package openai

import (
	"bytes"
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

const defaultBaseURL = "https://api.openai.com/v1"

var _ provider.Adapter = (*Client)(nil)

// Client is an OpenAI wire-format adapter.
type Client struct {
	id        string
	baseURL   string
	http      *http.Client
	maxBuffer int
}

// New creates a Client. An empty baseURL targets the OpenAI API; compatible
// upstreams pass their own.
func New(id, baseURL string, client *http.Client, maxBuffer int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		id:        id,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      client,
		maxBuffer: maxBuffer,
	}
}

// ID returns the provider id this adapter is registered under.
func (c *Client) ID() string { return c.id }

// Complete sends a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, a *provider.Attempt) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(translateRequest(a, false))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := c.post(ctx, a, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.id, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.WrapTransportError(c.id, err)
	}
	var out gateway.ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	enrichUsage(&out, raw)
	return &out, nil
}

// Stream sends a streaming chat completion. OpenAI chunks already match the
// client format, so data events forward as-is; the handler only inspects
// usage and the terminator.
func (c *Client) Stream(ctx context.Context, a *provider.Attempt) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(translateRequest(a, true))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := c.post(ctx, a, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.id, resp)
	}

	handle := func(ev sseutil.Event) []gateway.StreamChunk {
		if ev.Data == "" {
			return nil
		}
		if ev.Data == "[DONE]" {
			return []gateway.StreamChunk{{Done: true}}
		}
		chunk := gateway.StreamChunk{Data: []byte(ev.Data)}
		if u := gjson.Get(ev.Data, "usage"); u.Exists() && u.Type != gjson.Null {
			chunk.Usage = parseUsage(u)
		}
		return []gateway.StreamChunk{chunk}
	}
	finish := func() []gateway.StreamChunk {
		return []gateway.StreamChunk{{Done: true}}
	}
	return provider.StreamSSE(ctx, c.id, resp.Body, c.maxBuffer, handle, finish), nil
}

func (c *Client) post(ctx context.Context, a *provider.Attempt, body []byte) (*http.Response, error) {
	baseURL := c.baseURL
	if a.BaseURL != "" {
		baseURL = strings.TrimRight(a.BaseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
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

// enrichUsage pulls the nested usage details the flat decode misses.
func enrichUsage(out *gateway.ChatResponse, raw []byte) {
	if out.Usage == nil {
		return
	}
	r := gjson.ParseBytes(raw)
	if v := r.Get("usage.completion_tokens_details.reasoning_tokens"); v.Exists() {
		out.Usage.ReasoningTokens = int(v.Int())
	}
}

// parseUsage extracts a usage block from a streamed chunk.
func parseUsage(u gjson.Result) *gateway.Usage {
	usage := &gateway.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		ReasoningTokens:  int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
	}
	if cached := u.Get("prompt_tokens_details.cached_tokens"); cached.Exists() {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: int(cached.Int())}
	}
	return usage
}
