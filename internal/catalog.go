package gateway

import "time"

// --- Model catalog ---

// ModelDef describes a model in the pricing catalog and the provider
// mappings that serve it. Loaded at startup, read-only in-path.
type ModelDef struct {
	ID        string            `json:"id"`
	Family    string            `json:"family"`
	Free      bool              `json:"free"`
	Output    []string          `json:"output"` // modalities: "text", "image"
	Providers []ProviderMapping `json:"providers"`
}

// ProviderMapping is one (model, provider) entry in the catalog. Prices are
// USD per token (per request / per image for the flat components).
type ProviderMapping struct {
	ProviderID       string   `json:"provider_id"`
	ModelName        string   `json:"model_name"` // provider-native identifier
	InputPrice       float64  `json:"input_price"`
	OutputPrice      float64  `json:"output_price"`
	CachedInputPrice float64  `json:"cached_input_price"`
	RequestPrice     float64  `json:"request_price"`
	ImageInputPrice  float64  `json:"image_input_price"`
	ImageOutputPrice float64  `json:"image_output_price"`
	ContextSize      int      `json:"context_size"`
	MaxOutput        int      `json:"max_output"`
	SupportedParams  []string `json:"supported_parameters,omitempty"`
	Stability        string   `json:"stability"`
	Discount         float64  `json:"discount"` // (0,1) price reduction factor

	Vision             bool `json:"vision"`
	Tools              bool `json:"tools"`
	Reasoning          bool `json:"reasoning"`
	ReasoningMaxTokens bool `json:"reasoning_max_tokens"`
	JSONOutput         bool `json:"json_output"`
	JSONOutputSchema   bool `json:"json_output_schema"`
	Streaming          bool `json:"streaming"`
	WebSearch          bool `json:"web_search"`
	ImageGenerations   bool `json:"image_generations"`

	DeprecatedAt  *time.Time `json:"deprecated_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Eligible reports whether the mapping may serve requests at the given time.
// Deprecated mappings remain eligible only when explicitly requested.
func (m *ProviderMapping) Eligible(now time.Time, explicit bool) bool {
	if m.DeactivatedAt != nil && !m.DeactivatedAt.After(now) {
		return false
	}
	if m.DeprecatedAt != nil && !m.DeprecatedAt.After(now) && !explicit {
		return false
	}
	return true
}

// SupportsParam reports whether a sampling parameter is in the mapping's
// supported set. An empty set means all standard parameters are supported.
func (m *ProviderMapping) SupportsParam(name string) bool {
	if len(m.SupportedParams) == 0 {
		return true
	}
	for _, p := range m.SupportedParams {
		if p == name {
			return true
		}
	}
	return false
}

// --- Routing metadata ---

// Selection reasons recorded in routing metadata.
const (
	SelectionCheapestAvailable      = "cheapest-available"
	SelectionLowUptimeFallback      = "low-uptime-fallback"
	SelectionDirectProvider         = "direct-provider-specified"
	SelectionSingleProvider         = "single-provider-available"
	SelectionFallbackFirstAvailable = "fallback-first-available"
)

// ProviderScore is the per-candidate routing score. Higher is better; a
// synthetic score of -1 marks a provider excluded by low-uptime fallback.
type ProviderScore struct {
	ProviderID string  `json:"provider_id"`
	Score      float64 `json:"score"`
	Price      float64 `json:"price"`
	Uptime     float64 `json:"uptime"`
	Latency    float64 `json:"latency"`
	Throughput float64 `json:"throughput"`
	Priority   int     `json:"priority"`
	Failed     bool    `json:"failed,omitempty"`
	StatusCode int     `json:"status_code,omitempty"`
	ErrorType  string  `json:"error_type,omitempty"`
}

// AttemptRecord is one entry in the per-request attempt log.
type AttemptRecord struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	StatusCode int    `json:"status_code,omitempty"`
	ErrorType  string `json:"error_type,omitempty"` // none, timeout, rate_limit, server_error, client_error, content_filter, other
	Succeeded  bool   `json:"succeeded"`
}

// RoutingMetadata is built by the routing engine and enriched on each retry.
type RoutingMetadata struct {
	AvailableProviders []string        `json:"available_providers"`
	SelectedProvider   string          `json:"selected_provider"`
	SelectionReason    string          `json:"selection_reason"`
	ProviderScores     []ProviderScore `json:"provider_scores,omitempty"`
	Routing            []AttemptRecord `json:"routing,omitempty"`
	NoFallback         bool            `json:"no_fallback,omitempty"`
}

// MarkFailed records a failed attempt against the candidate's score entry.
func (rm *RoutingMetadata) MarkFailed(providerID string, statusCode int, errorType string) {
	for i := range rm.ProviderScores {
		if rm.ProviderScores[i].ProviderID == providerID {
			rm.ProviderScores[i].Failed = true
			rm.ProviderScores[i].StatusCode = statusCode
			rm.ProviderScores[i].ErrorType = errorType
			return
		}
	}
}

// ProviderMetrics is the recent (5-minute) health sample for a
// (model, provider) pair. Uptime is a percentage in [0,100].
type ProviderMetrics struct {
	Uptime     float64 `json:"uptime"`
	AvgLatency float64 `json:"average_latency"` // milliseconds
	Throughput float64 `json:"throughput"`      // tokens/second
}
