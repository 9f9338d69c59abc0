package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
	"github.com/llmgateway/llmgateway/internal/provider/sseutil"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	bedrockVersion   = "bedrock-2023-05-31"
)

var _ provider.Adapter = (*Client)(nil)

// Client is an Anthropic wire-format adapter.
type Client struct {
	id        string
	baseURL   string
	http      *http.Client
	hosting   string // "", "vertex", "bedrock"
	region    string
	project   string
	maxBuffer int
}

// New creates a Client for direct API access. Cloud-hosted variants
// authenticate through the http client's transport chain instead of the
// attempt API key.
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

// NewWithHosting creates a Client for Vertex or Bedrock hosting.
func NewWithHosting(id, baseURL string, client *http.Client, maxBuffer int, hosting, region, project string) *Client {
	c := New(id, baseURL, client, maxBuffer)
	c.hosting = hosting
	c.region = region
	c.project = project
	return c
}

// ID returns the provider id this adapter is registered under.
func (c *Client) ID() string { return c.id }

// Complete sends a non-streaming message request.
func (c *Client) Complete(ctx context.Context, a *provider.Attempt) (*gateway.ChatResponse, error) {
	native, err := translateRequest(a, false)
	if err != nil {
		return nil, fmt.Errorf("anthropic: translate request: %w", err)
	}
	resp, err := c.post(ctx, a, native)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.id, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, provider.WrapTransportError(c.id, err)
	}
	return translateResponse(a.Model, body)
}

// Stream sends a streaming message request. Bedrock responses arrive as AWS
// binary event stream frames; everything else is SSE.
func (c *Client) Stream(ctx context.Context, a *provider.Attempt) (<-chan gateway.StreamChunk, error) {
	native, err := translateRequest(a, true)
	if err != nil {
		return nil, fmt.Errorf("anthropic: translate request: %w", err)
	}
	resp, err := c.post(ctx, a, native)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.id, resp)
	}

	state := newStreamState(a.Model)
	if c.hosting == "bedrock" {
		ch := make(chan gateway.StreamChunk, 8)
		go readBedrockStream(ctx, c.id, resp.Body, state, ch)
		return ch, nil
	}

	handle := func(ev sseutil.Event) []gateway.StreamChunk {
		name := ev.Name
		if name == "" {
			name = eventTypeFromData(ev.Data)
		}
		return state.handleEvent(name, ev.Data)
	}
	return provider.StreamSSE(ctx, c.id, resp.Body, c.maxBuffer, handle, nil), nil
}

func (c *Client) post(ctx context.Context, a *provider.Attempt, native *nativeRequest) (*http.Response, error) {
	body, err := c.marshalForHosting(native)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	endpoint := c.endpointURL(a, native.Stream)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	if !c.isHosted() {
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		httpReq.Header.Set("x-api-key", a.APIKey)
		if betas := betaFlags(a.Request); betas != "" {
			httpReq.Header.Set("anthropic-beta", betas)
		}
	}
	for k, v := range a.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(c.id, err)
	}
	return resp, nil
}

func (c *Client) isHosted() bool {
	return c.hosting == "vertex" || c.hosting == "bedrock"
}

// betaFlags returns the anthropic-beta value for features still gated
// behind opt-in flags on the direct API.
func betaFlags(req *gateway.ChatRequest) string {
	var flags []string
	if req.EffectiveReasoningEffort() != "" {
		flags = append(flags, "effort-2025-11-24")
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		flags = append(flags, "structured-outputs-2025-11-13")
	}
	return strings.Join(flags, ",")
}

// endpointURL resolves the messages endpoint for the hosting platform.
func (c *Client) endpointURL(a *provider.Attempt, stream bool) string {
	baseURL := c.baseURL
	if a.BaseURL != "" {
		baseURL = strings.TrimRight(a.BaseURL, "/")
	}
	switch c.hosting {
	case "vertex":
		method := "rawPredict"
		if stream {
			method = "streamRawPredict"
		}
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
			baseURL, c.project, c.region, url.PathEscape(a.Native), method)
	case "bedrock":
		if stream {
			return fmt.Sprintf("%s/model/%s/invoke-with-response-stream", baseURL, url.PathEscape(a.Native))
		}
		return fmt.Sprintf("%s/model/%s/invoke", baseURL, url.PathEscape(a.Native))
	default:
		return baseURL + "/messages"
	}
}

// marshalForHosting serializes the request. Vertex and Bedrock carry
// anthropic_version in the body and the model in the URL.
func (c *Client) marshalForHosting(native *nativeRequest) ([]byte, error) {
	if !c.isHosted() {
		return json.Marshal(native)
	}
	hosted := *native
	hosted.Model = ""
	b, err := json.Marshal(&hosted)
	if err != nil {
		return nil, err
	}
	ver := anthropicVersion
	if c.hosting == "bedrock" {
		ver = bedrockVersion
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	verJSON, _ := json.Marshal(ver)
	m["anthropic_version"] = verJSON
	return json.Marshal(m)
}

// eventTypeFromData recovers the event name from the payload for upstreams
// that omit the SSE event field.
func eventTypeFromData(data string) string {
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal([]byte(data), &probe) != nil {
		return ""
	}
	return probe.Type
}
