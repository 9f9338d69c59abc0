package google

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var _ provider.Adapter = (*Client)(nil)

// Client is a Gemini wire-format adapter. Vertex hosting authenticates via
// the transport chain; the direct API uses the attempt key.
type Client struct {
	id        string
	baseURL   string
	http      *http.Client
	hosting   string // "", "vertex"
	region    string
	project   string
	maxBuffer int
	sigs      *Signatures
}

// New creates a Client for the Gemini API.
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
		sigs:      NewSignatures(10_000),
	}
}

// NewWithHosting creates a Client for Vertex AI hosting.
func NewWithHosting(id, baseURL string, client *http.Client, maxBuffer int, region, project string) *Client {
	c := New(id, baseURL, client, maxBuffer)
	c.hosting = "vertex"
	c.region = region
	c.project = project
	return c
}

// ID returns the provider id this adapter is registered under.
func (c *Client) ID() string { return c.id }

// Complete sends a non-streaming generateContent request.
func (c *Client) Complete(ctx context.Context, a *provider.Attempt) (*gateway.ChatResponse, error) {
	resp, err := c.post(ctx, a, false)
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
	return translateResponse(a.Model, body, c.sigs)
}

// Stream sends a streaming request via streamGenerateContent with SSE.
func (c *Client) Stream(ctx context.Context, a *provider.Attempt) (<-chan gateway.StreamChunk, error) {
	resp, err := c.post(ctx, a, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.id, resp)
	}

	state := newStreamState(a.Model, c.sigs)
	handle := func(ev sseutil.Event) []gateway.StreamChunk {
		if ev.Data == "" {
			return nil
		}
		return state.handleChunk(ev.Data)
	}
	return provider.StreamSSE(ctx, c.id, resp.Body, c.maxBuffer, handle, state.finish), nil
}

func (c *Client) post(ctx context.Context, a *provider.Attempt, stream bool) (*http.Response, error) {
	body, err := json.Marshal(translateRequest(a, c.sigs))
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(a, stream), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.hosting != "vertex" {
		httpReq.Header.Set("x-goog-api-key", a.APIKey)
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

// endpointURL resolves the generateContent endpoint. Streaming uses
// streamGenerateContent with alt=sse so the response arrives as SSE rather
// than a JSON array.
func (c *Client) endpointURL(a *provider.Attempt, stream bool) string {
	baseURL := c.baseURL
	if a.BaseURL != "" {
		baseURL = strings.TrimRight(a.BaseURL, "/")
	}
	method := "generateContent"
	suffix := ""
	if stream {
		method = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	if c.hosting == "vertex" {
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s%s",
			baseURL, c.project, c.region, url.PathEscape(a.Native), method, suffix)
	}
	return fmt.Sprintf("%s/models/%s:%s%s", baseURL, url.PathEscape(a.Native), method, suffix)
}
