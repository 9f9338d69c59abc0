// Package keypool manages the server-side provider token pool loaded from the
// environment. Each provider may carry several tokens; selection is
// round-robin with per-token health tracking so a revoked or rate-limited
// token rotates out of the pool without operator action.
package keypool

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// Health tracking parameters.
const (
	errorThreshold = 0.50
	minSamples     = 5
	windowSeconds  = 60
	cooldown       = 30 * time.Second
)

// token is one credential slot with its sliding-window health state.
type token struct {
	value string

	mu       sync.Mutex
	window   slidingWindow
	downTill time.Time
}

func (t *token) healthy(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Before(t.downTill) {
		return false
	}
	rate, samples := t.window.errorRate(now)
	return samples < minSamples || rate < errorThreshold
}

func (t *token) record(weight float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window.record(weight, now)
	rate, samples := t.window.errorRate(now)
	if samples >= minSamples && rate >= errorThreshold {
		t.downTill = now.Add(cooldown)
		t.window.reset()
	}
}

// pool is the token set for a single provider.
type pool struct {
	tokens []*token
	next   atomic.Uint64
}

// Pool holds the environment token pools for all configured providers.
type Pool struct {
	providers map[string]*pool
}

// FromEnv builds a Pool from environment variables. For each provider id,
// tokens are read from <PROVIDER>_API_KEY and numbered variants
// <PROVIDER>_API_KEY_1 .. _9, where <PROVIDER> is the upper-cased id with
// dashes replaced by underscores.
func FromEnv(providerIDs []string, getenv func(string) string) *Pool {
	p := &Pool{providers: make(map[string]*pool)}
	for _, id := range providerIDs {
		prefix := strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_API_KEY"
		var tokens []*token
		if v := getenv(prefix); v != "" {
			tokens = append(tokens, &token{value: v, window: newSlidingWindow(windowSeconds)})
		}
		for i := 1; i <= 9; i++ {
			if v := getenv(fmt.Sprintf("%s_%d", prefix, i)); v != "" {
				tokens = append(tokens, &token{value: v, window: newSlidingWindow(windowSeconds)})
			}
		}
		if len(tokens) > 0 {
			p.providers[id] = &pool{tokens: tokens}
		}
	}
	return p
}

// AddStatic registers a fixed placeholder token for a provider whose real
// credential lives in the transport chain (Vertex OAuth, Bedrock SigV4). The
// slot still participates in health tracking.
func (p *Pool) AddStatic(providerID, value string) {
	p.providers[providerID] = &pool{
		tokens: []*token{{value: value, window: newSlidingWindow(windowSeconds)}},
	}
}

// Providers returns the provider ids with at least one token, satisfying the
// routing engine's environment key source.
func (p *Pool) Providers() []string {
	out := make([]string, 0, len(p.providers))
	for id := range p.providers {
		out = append(out, id)
	}
	return out
}

// Has reports whether the pool holds a token for the provider.
func (p *Pool) Has(providerID string) bool {
	_, ok := p.providers[providerID]
	return ok
}

// Get returns the next token for the provider, preferring healthy slots.
// When every slot is unhealthy the round-robin token is returned anyway so a
// recovered upstream can clear its own state.
func (p *Pool) Get(providerID string) (string, error) {
	pl, ok := p.providers[providerID]
	if !ok {
		return "", fmt.Errorf("%w: no server credentials for provider %q", gateway.ErrBadRequest, providerID)
	}
	now := time.Now()
	n := len(pl.tokens)
	start := int(pl.next.Add(1)-1) % n
	for i := range n {
		t := pl.tokens[(start+i)%n]
		if t.healthy(now) {
			return t.value, nil
		}
	}
	return pl.tokens[start].value, nil
}

// Report records an attempt outcome against the token that served it.
// Content-filter outcomes never count against a token: the credential is
// fine, the prompt was not.
func (p *Pool) Report(providerID, tokenValue string, statusCode int, errorType string) {
	pl, ok := p.providers[providerID]
	if !ok {
		return
	}
	if errorType == gateway.ErrorTypeContentFilter {
		return
	}
	weight := errorWeight(statusCode, errorType)
	now := time.Now()
	for _, t := range pl.tokens {
		if t.value == tokenValue {
			t.record(weight, now)
			return
		}
	}
}

// errorWeight maps an outcome to a window error weight. Auth and rate-limit
// failures implicate the token directly; server errors count half since they
// usually implicate the provider, not the credential.
func errorWeight(statusCode int, errorType string) float64 {
	switch {
	case errorType == gateway.ErrorTypeNone:
		return 0
	case statusCode == 401 || statusCode == 403:
		return 1
	case statusCode == 429:
		return 1
	case statusCode >= 500 || errorType == gateway.ErrorTypeTimeout:
		return 0.5
	default:
		return 0
	}
}
