package gateway

import (
	"encoding/json"
	"time"
)

// MaxLoggedPayloadBytes bounds raw request/response payloads persisted in
// debug mode.
const MaxLoggedPayloadBytes = 1 << 20

// AttemptLog is one persisted record per request attempt. Retried attempts
// carry Retried=true and RetriedByLogID pointing at the final attempt's ID.
type AttemptLog struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	KeyID     string `json:"key_id"`
	ProjectID string `json:"project_id"`
	OrgID     string `json:"org_id"`

	RequestedModel    string `json:"requested_model"`
	RequestedProvider string `json:"requested_provider,omitempty"`
	UsedModel         string `json:"used_model"`
	UsedProvider      string `json:"used_provider"`
	NativeModel       string `json:"native_model"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	ReasoningEffort  string   `json:"reasoning_effort,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`
	CachedTokens     int `json:"cached_tokens"`
	WebSearchCount   int `json:"web_search_count"`

	CostTotal       float64 `json:"cost_usd_total"`
	CostInput       float64 `json:"cost_usd_input"`
	CostOutput      float64 `json:"cost_usd_output"`
	CostCachedInput float64 `json:"cost_usd_cached_input"`
	CostRequest     float64 `json:"cost_usd_request"`
	CostWebSearch   float64 `json:"cost_usd_web_search"`
	CostImageInput  float64 `json:"cost_usd_image_input"`
	CostImageOutput float64 `json:"cost_usd_image_output"`
	CostDataStorage float64 `json:"cost_usd_data_storage"`
	EstimatedCost   bool    `json:"estimated_cost"`
	Discount        float64 `json:"discount"`

	DurationMs int64 `json:"duration_ms"`
	TTFTMs     int64 `json:"time_to_first_token_ms,omitempty"`
	TTRTMs     int64 `json:"time_to_first_reasoning_token_ms,omitempty"`

	FinishReason string `json:"finish_reason,omitempty"`
	HasError     bool   `json:"has_error"`
	ErrorDetails string `json:"error_details,omitempty"`
	Streamed     bool   `json:"streamed"`
	Canceled     bool   `json:"canceled"`
	Cached       bool   `json:"cached"`

	Retried        bool   `json:"retried"`
	RetriedByLogID string `json:"retried_by_log_id,omitempty"`

	RoutingMetadata json.RawMessage `json:"routing_metadata,omitempty"`
	ToolResults     json.RawMessage `json:"tool_results,omitempty"`
	Plugins         []string        `json:"plugins,omitempty"`
	PluginResults   json.RawMessage `json:"plugin_results,omitempty"`

	// Retention-gated payloads. Populated only when the organization's
	// retention level is "retain"; raw payloads only in debug mode.
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	RawRequest       []byte `json:"-"`
	RawResponse      []byte `json:"-"`

	Source        string            `json:"source,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// BoundPayload truncates a raw payload to the persisted limit.
func BoundPayload(b []byte) []byte {
	if len(b) > MaxLoggedPayloadBytes {
		return b[:MaxLoggedPayloadBytes]
	}
	return b
}
