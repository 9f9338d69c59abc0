// Package gateway defines domain types and interfaces for the LLM gateway core.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// --- Request envelope ---

// ChatRequest is the OpenAI-compatible chat completion request body,
// extended with gateway-specific routing and reasoning fields.
type ChatRequest struct {
	Model            string           `json:"model"`
	Messages         []Message        `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
	StreamOptions    *StreamOptions   `json:"stream_options,omitempty"`
	Stop             json.RawMessage  `json:"stop,omitempty"`
	ResponseFormat   *ResponseFormat  `json:"response_format,omitempty"`
	Tools            []Tool           `json:"tools,omitempty"`
	ToolChoice       json.RawMessage  `json:"tool_choice,omitempty"`
	ReasoningEffort  string           `json:"reasoning_effort,omitempty"`
	Reasoning        *ReasoningConfig `json:"reasoning,omitempty"`
	Effort           string           `json:"effort,omitempty"`
	WebSearch        bool             `json:"web_search,omitempty"`
	FreeModelsOnly   bool             `json:"free_models_only,omitempty"`
	NoReasoning      bool             `json:"no_reasoning,omitempty"`
	ImageConfig      *ImageConfig     `json:"image_config,omitempty"`
	Plugins          []Plugin         `json:"plugins,omitempty"`
	User             string           `json:"user,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ResponseFormat selects the output format for a completion.
type ResponseFormat struct {
	Type   string          `json:"type"` // "text", "json_object", "json_schema"
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ReasoningConfig carries nested reasoning parameters.
type ReasoningConfig struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

// ImageConfig carries image generation parameters.
type ImageConfig struct {
	ImageSize   string `json:"image_size,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	N           int    `json:"n,omitempty"`
}

// Plugin activates an optional request plugin (e.g. response-healing).
type Plugin struct {
	ID string `json:"id"`
}

// PluginResponseHealing is the plugin id for truncated-JSON repair.
const PluginResponseHealing = "response-healing"

// Tool is an OpenAI-format tool definition. Type "web_search" is handled by
// the gateway; "function" tools pass through to the provider.
type Tool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function,omitempty"`
}

// Message represents a chat message. ReasoningContent carries the model's
// reasoning trace for providers that expose one. Annotations carry web
// search citations; their length is the billed search count.
type Message struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Name             string          `json:"name,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Annotations      json.RawMessage `json:"annotations,omitempty"`
}

// CountAnnotations returns the number of annotation entries on the message.
func (m *Message) CountAnnotations() int {
	if len(m.Annotations) == 0 {
		return 0
	}
	var entries []json.RawMessage
	if json.Unmarshal(m.Annotations, &entries) != nil {
		return 0
	}
	return len(entries)
}

// Envelope is the immutable per-request state produced by request
// normalization. RequestedProvider is empty when the client did not pin a
// provider via the "provider/model" syntax.
type Envelope struct {
	RequestID         string
	RequestedProvider string
	RequestedModel    string
	Request           *ChatRequest
	RawBody           []byte // original request body, kept for debug-mode logging
	Source            string
	UserAgent         string
	NoFallback        bool
	DebugMode         bool
	CustomHeaders     map[string]string
	ReceivedAt        time.Time
}

// EffectiveReasoningEffort returns the single reasoning effort for the
// request. Top-level reasoning_effort and reasoning.effort are mutually
// exclusive (validated at the boundary); "none" normalizes to absent.
func (r *ChatRequest) EffectiveReasoningEffort() string {
	effort := r.ReasoningEffort
	if effort == "" && r.Reasoning != nil {
		effort = r.Reasoning.Effort
	}
	if effort == "none" {
		return ""
	}
	return effort
}

// ReasoningMaxTokens returns the reasoning token budget, or nil.
func (r *ChatRequest) ReasoningMaxTokens() *int {
	if r.Reasoning == nil {
		return nil
	}
	return r.Reasoning.MaxTokens
}

// HasWebSearchTool reports whether a web_search tool is present.
func (r *ChatRequest) HasWebSearchTool() bool {
	for _, t := range r.Tools {
		if t.Type == "web_search" {
			return true
		}
	}
	return false
}

// FunctionTools returns only the function-type tools, for providers that do
// not understand the gateway's web_search tool type.
func (r *ChatRequest) FunctionTools() []Tool {
	out := make([]Tool, 0, len(r.Tools))
	for _, t := range r.Tools {
		if t.Type == "function" {
			out = append(out, t)
		}
	}
	return out
}

// HasImages reports whether any message carries image content parts.
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if messageHasImage(m.Content) {
			return true
		}
	}
	return false
}

// CountImages returns the number of image content parts across all messages.
func (r *ChatRequest) CountImages() int {
	n := 0
	for _, m := range r.Messages {
		n += countImageParts(m.Content)
	}
	return n
}

func messageHasImage(content json.RawMessage) bool {
	return countImageParts(content) > 0
}

func countImageParts(content json.RawMessage) int {
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return 0
	}
	var parts []struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(content, &parts) != nil {
		return 0
	}
	n := 0
	for _, p := range parts {
		if p.Type == "image_url" || p.Type == "input_image" {
			n++
		}
	}
	return n
}

// SplitModel parses a "[provider/]model" identifier.
func SplitModel(input string) (provider, model string) {
	before, after, found := strings.Cut(input, "/")
	if !found {
		return "", input
	}
	return before, after
}

// --- Response ---

// ChatResponse is an OpenAI-compatible chat completion response extended
// with gateway routing metadata and cost-bearing usage.
type ChatResponse struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Created           int64             `json:"created"`
	Model             string            `json:"model"`
	Choices           []Choice          `json:"choices"`
	Usage             *Usage            `json:"usage,omitempty"`
	Metadata          *ResponseMetadata `json:"metadata,omitempty"`
	SystemFingerprint string            `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// PromptTokensDetails carries the cached-token breakdown of prompt usage.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// Usage represents token usage statistics plus the gateway's cost breakdown.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	ReasoningTokens     int                  `json:"reasoning_tokens,omitempty"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`

	CostTotal       float64 `json:"cost_usd_total,omitempty"`
	CostInput       float64 `json:"cost_usd_input,omitempty"`
	CostOutput      float64 `json:"cost_usd_output,omitempty"`
	CostCachedInput float64 `json:"cost_usd_cached_input,omitempty"`
	CostRequest     float64 `json:"cost_usd_request,omitempty"`
	CostImageInput  float64 `json:"cost_usd_image_input,omitempty"`
	CostImageOutput float64 `json:"cost_usd_image_output,omitempty"`
}

// CachedTokens returns the cached prompt token count, if reported.
func (u *Usage) CachedTokens() int {
	if u.PromptTokensDetails == nil {
		return 0
	}
	return u.PromptTokensDetails.CachedTokens
}

// ResponseMetadata describes how the request was routed.
type ResponseMetadata struct {
	RequestedModel      string          `json:"requested_model"`
	RequestedProvider   string          `json:"requested_provider,omitempty"`
	UsedModel           string          `json:"used_model"`
	UsedProvider        string          `json:"used_provider"`
	UnderlyingUsedModel string          `json:"underlying_used_model"`
	Routing             []AttemptRecord `json:"routing,omitempty"`
}

// StreamChunk represents a single chunk in a streaming response.
// Event is the SSE event name ("" for plain data events).
type StreamChunk struct {
	Data  []byte
	Event string
	Usage *Usage // non-nil on final usage chunk
	Done  bool
	Err   error
}

// --- Principal ---

// Project modes control which provider key sources a request may use.
const (
	ProjectModeAPIKeys = "api-keys"
	ProjectModeCredits = "credits"
	ProjectModeHybrid  = "hybrid"
)

// Retention levels control whether payloads are persisted.
const (
	RetentionNone   = "none"
	RetentionRetain = "retain"
)

// APIKey is a gateway API key.
type APIKey struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix        string     `json:"key_prefix"`
	ProjectID        string     `json:"project_id"`
	Status           string     `json:"status"` // "active", "inactive", "deleted"
	UsageLimit       *float64   `json:"usage_limit,omitempty"`
	Usage            float64    `json:"usage"`
	AllowedProviders []string   `json:"allowed_providers,omitempty"` // nil = all (IAM allowlist)
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// Project groups API keys under an organization.
type Project struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	Name           string `json:"name"`
	Mode           string `json:"mode"`   // api-keys, credits, hybrid
	Status         string `json:"status"` // "active", "deleted"
	CachingEnabled bool   `json:"caching_enabled"`
	CacheTTLs      int    `json:"cache_ttl_s"`
}

// Organization is the billing tenant.
type Organization struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	Credits               float64    `json:"credits"`
	Plan                  string     `json:"plan"`     // "free", "pro", "enterprise"
	DevPlan               string     `json:"dev_plan"` // "none" or a plan id
	DevPlanCreditsLimit   float64    `json:"dev_plan_credits_limit"`
	DevPlanCreditsUsed    float64    `json:"dev_plan_credits_used"`
	DevPlanExpiresAt      *time.Time `json:"dev_plan_expires_at,omitempty"`
	DevPlanAllowAllModels bool       `json:"dev_plan_allow_all_models"`
	RetentionLevel        string     `json:"retention_level"` // none, retain
	IsPersonal            bool       `json:"is_personal"`
	CustomProviderBaseURL string     `json:"custom_provider_base_url,omitempty"`
	CustomProviderKey     string     `json:"-"`
}

// HasDevPlan reports whether a dev plan is configured.
func (o *Organization) HasDevPlan() bool {
	return o.DevPlan != "" && o.DevPlan != "none"
}

// DevPlanRemaining returns the unspent dev-plan credit balance.
func (o *Organization) DevPlanRemaining() float64 {
	if !o.HasDevPlan() {
		return 0
	}
	if o.DevPlanExpiresAt != nil && o.DevPlanExpiresAt.Before(time.Now()) {
		return 0
	}
	return max(o.DevPlanCreditsLimit-o.DevPlanCreditsUsed, 0)
}

// TotalAvailableCredits is the sum of paid credits and unspent dev-plan credits.
func (o *Organization) TotalAvailableCredits() float64 {
	return o.Credits + o.DevPlanRemaining()
}

// Principal is the fully resolved caller: key, project, and organization.
// Loaded once per request and never mutated in-path.
type Principal struct {
	Key     *APIKey
	Project *Project
	Org     *Organization
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all gateway API keys.
const APIKeyPrefix = "llmgw_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
