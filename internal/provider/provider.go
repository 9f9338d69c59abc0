// Package provider implements the registry and shared plumbing for LLM
// provider adapters. Adapters translate the client wire format to the
// provider's native one and back; everything upstream of this package speaks
// only the client format.
package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// Attempt carries the resolved inputs for one upstream dispatch.
type Attempt struct {
	RequestID string
	Model     string // catalog model id, echoed to the client
	Native    string // provider-native model name
	Mapping   *gateway.ProviderMapping
	Request   *gateway.ChatRequest
	APIKey    string
	BaseURL   string // non-empty overrides the adapter default
	Headers   map[string]string
}

// Adapter is one provider wire-format implementation.
type Adapter interface {
	ID() string
	Complete(ctx context.Context, a *Attempt) (*gateway.ChatResponse, error)
	// Stream dispatches a streaming completion. The returned channel carries
	// client-format chunks and is closed after a Done sentinel or an error
	// chunk.
	Stream(ctx context.Context, a *Attempt) (<-chan gateway.StreamChunk, error)
}

// Registry maps provider ids to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under the given id, overwriting any previous one.
func (r *Registry) Register(id string, a Adapter) {
	r.mu.Lock()
	r.adapters[id] = a
	r.mu.Unlock()
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", id)
	}
	return a, nil
}

// List returns a sorted slice of registered provider ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
