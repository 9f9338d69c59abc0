// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
)

// FakeAdapter is a configurable provider.Adapter for testing.
type FakeAdapter struct {
	Name       string
	CompleteFn func(ctx context.Context, a *provider.Attempt) (*gateway.ChatResponse, error)
	StreamFn   func(ctx context.Context, a *provider.Attempt) (<-chan gateway.StreamChunk, error)
}

// ID returns the configured adapter id.
func (f *FakeAdapter) ID() string { return f.Name }

// Complete delegates to CompleteFn or returns a default response.
func (f *FakeAdapter) Complete(ctx context.Context, a *provider.Attempt) (*gateway.ChatResponse, error) {
	if f.CompleteFn != nil {
		return f.CompleteFn(ctx, a)
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   a.Model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// Stream delegates to StreamFn or returns an error.
func (f *FakeAdapter) Stream(ctx context.Context, a *provider.Attempt) (<-chan gateway.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, a)
	}
	return nil, &gateway.RequestError{
		Kind:    gateway.KindTransient,
		Code:    "upstream_error",
		Message: "fake adapter: no stream configured",
	}
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch
}
