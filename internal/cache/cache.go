// Package cache provides unary and streaming response caches keyed by a
// stable hash of the request shape.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// Store is the backing byte store for cached responses.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// keyMaterial is the canonical request shape hashed into the cache key.
// Field order is fixed so the marshaled form is stable.
type keyMaterial struct {
	Provider         string                   `json:"provider"`
	Model            string                   `json:"model"`
	Messages         []gateway.Message        `json:"messages"`
	Temperature      *float64                 `json:"temperature,omitempty"`
	TopP             *float64                 `json:"top_p,omitempty"`
	MaxTokens        *int                     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64                 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                 `json:"presence_penalty,omitempty"`
	ResponseFormat   *gateway.ResponseFormat  `json:"response_format,omitempty"`
	Reasoning        *gateway.ReasoningConfig `json:"reasoning,omitempty"`
	ReasoningEffort  string                   `json:"reasoning_effort,omitempty"`
	Streaming        bool                     `json:"streaming,omitempty"`
}

// Key computes the cache key for a request routed to (provider, model).
// Streaming and unary responses never share an entry.
func Key(provider, model string, req *gateway.ChatRequest) string {
	m := keyMaterial{
		Provider:         provider,
		Model:            model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		ResponseFormat:   req.ResponseFormat,
		Reasoning:        req.Reasoning,
		ReasoningEffort:  req.ReasoningEffort,
		Streaming:        req.Stream,
	}
	b, _ := json.Marshal(m)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
