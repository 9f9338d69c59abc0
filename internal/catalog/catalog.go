// Package catalog holds the model/pricing catalog and the capability filter
// that prunes provider mappings for a request. The catalog is loaded at
// startup and read-only in the request path.
package catalog

import (
	"fmt"
	"sort"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// AutoModels is the allowlist of models considered for "auto" routing,
// unless free_models_only overrides it.
var AutoModels = []string{"gpt-oss-120b", "gpt-5-nano", "gpt-4.1-nano"}

// AutoFallbackModel is used when auto routing finds no candidates.
const AutoFallbackModel = "openai/gpt-5-nano"

// CodingModels is the model set permitted for dev-plan personal orgs
// without the allow-all-models flag.
var CodingModels = map[string]bool{
	"gpt-5-nano":   true,
	"gpt-4.1-nano": true,
	"gpt-oss-120b": true,
	"qwen3-coder":  true,
}

// Catalog is the in-memory model catalog.
type Catalog struct {
	models map[string]*gateway.ModelDef
}

// New builds a Catalog from model definitions.
func New(models []gateway.ModelDef) *Catalog {
	m := make(map[string]*gateway.ModelDef, len(models))
	for i := range models {
		m[models[i].ID] = &models[i]
	}
	return &Catalog{models: m}
}

// Get returns the model definition for id.
func (c *Catalog) Get(id string) (*gateway.ModelDef, bool) {
	def, ok := c.models[id]
	return def, ok
}

// List returns all model definitions sorted by id.
func (c *Catalog) List() []*gateway.ModelDef {
	out := make([]*gateway.ModelDef, 0, len(c.models))
	for _, def := range c.models {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mapping returns the provider mapping for (model, provider).
func (c *Catalog) Mapping(modelID, providerID string) (*gateway.ModelDef, *gateway.ProviderMapping, bool) {
	def, ok := c.models[modelID]
	if !ok {
		return nil, nil, false
	}
	for i := range def.Providers {
		if def.Providers[i].ProviderID == providerID {
			return def, &def.Providers[i], true
		}
	}
	return def, nil, false
}

// defaultOutputBuffer is assumed when the request sets no max_tokens.
const defaultOutputBuffer = 4096

// Requirements captures the request-derived capability constraints.
type Requirements struct {
	PromptTokens       int // estimated prompt + tools tokens
	MaxTokens          int // requested max_tokens, 0 = default buffer
	NoReasoning        bool
	ReasoningEffort    bool
	ReasoningMaxTokens bool
	Tools              bool
	WebSearch          bool
	ResponseFormat     string // "", "json_object", "json_schema"
	Vision             bool
	Streaming          bool
	ImageGeneration    bool
	AllowedProviders   []string // IAM allowlist, nil = all
	Explicit           bool     // provider explicitly requested
}

// RequirementsFromRequest derives capability requirements from a request.
// promptTokens is the tokenizer estimate over messages and tools.
func RequirementsFromRequest(req *gateway.ChatRequest, promptTokens int, allowedProviders []string, explicit bool) Requirements {
	r := Requirements{
		PromptTokens:       promptTokens,
		NoReasoning:        req.NoReasoning,
		ReasoningEffort:    req.EffectiveReasoningEffort() != "",
		ReasoningMaxTokens: req.ReasoningMaxTokens() != nil,
		Tools:              len(req.Tools) > 0 || len(req.ToolChoice) > 0,
		WebSearch:          req.HasWebSearchTool(),
		Vision:             req.HasImages(),
		Streaming:          req.Stream,
		ImageGeneration:    req.ImageConfig != nil,
		AllowedProviders:   allowedProviders,
		Explicit:           explicit,
	}
	if req.MaxTokens != nil {
		r.MaxTokens = *req.MaxTokens
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "text" {
		r.ResponseFormat = req.ResponseFormat.Type
	}
	return r
}

// requiredContext is the context window the mapping must accommodate.
func (r Requirements) requiredContext() int {
	out := r.MaxTokens
	if out == 0 {
		out = defaultOutputBuffer
	}
	return r.PromptTokens + out
}

// capability names reported in filter errors, in evaluation order.
const (
	capActive       = "active provider"
	capContext      = "sufficient context size"
	capNoReasoning  = "non-reasoning mode"
	capReasoning    = "reasoning"
	capReasoningMax = "reasoning max_tokens"
	capTools        = "tool calling"
	capWebSearch    = "web search"
	capJSONOutput   = "json output"
	capJSONSchema   = "structured json schema output"
	capVision       = "vision"
	capStreaming    = "streaming"
	capImageGen     = "image generation"
	capIAM          = "provider allowed by key policy"
)

// EligibleMappings applies the capability filter and returns the mappings
// that can serve the request. When the result is empty, the error names the
// first missing capability in filter order.
func (c *Catalog) EligibleMappings(def *gateway.ModelDef, req Requirements, now time.Time) ([]gateway.ProviderMapping, error) {
	var out []gateway.ProviderMapping
	firstMissing := ""
	note := func(cap string) {
		if firstMissing == "" {
			firstMissing = cap
		}
	}

	for i := range def.Providers {
		m := &def.Providers[i]
		switch {
		case !m.Eligible(now, req.Explicit):
			note(capActive)
		case m.ContextSize > 0 && m.ContextSize < req.requiredContext():
			note(capContext)
		case req.NoReasoning && m.Reasoning:
			note(capNoReasoning)
		case req.ReasoningEffort && !m.Reasoning:
			note(capReasoning)
		case req.ReasoningMaxTokens && !m.ReasoningMaxTokens:
			note(capReasoningMax)
		case req.Tools && !m.Tools:
			note(capTools)
		case req.WebSearch && !m.WebSearch:
			note(capWebSearch)
		case req.ResponseFormat == "json_object" && !m.JSONOutput:
			note(capJSONOutput)
		case req.ResponseFormat == "json_schema" && !(m.JSONOutput && m.JSONOutputSchema):
			note(capJSONSchema)
		case req.Vision && !m.Vision:
			note(capVision)
		case req.Streaming && !m.Streaming:
			note(capStreaming)
		case req.ImageGeneration && !m.ImageGenerations:
			note(capImageGen)
		case !providerAllowed(m.ProviderID, req.AllowedProviders):
			note(capIAM)
		default:
			out = append(out, *m)
		}
	}

	if len(out) == 0 {
		if firstMissing == "" {
			firstMissing = capActive
		}
		return nil, fmt.Errorf("%w: no provider for model %q supports %s",
			gateway.ErrBadRequest, def.ID, firstMissing)
	}
	return out, nil
}

// AutoCandidates returns the model defs considered for auto routing:
// the allowlist by default, or all free models when freeOnly is set.
func (c *Catalog) AutoCandidates(freeOnly bool) []*gateway.ModelDef {
	var out []*gateway.ModelDef
	if freeOnly {
		for _, def := range c.List() {
			if def.Free {
				out = append(out, def)
			}
		}
		return out
	}
	for _, id := range AutoModels {
		if def, ok := c.models[id]; ok {
			out = append(out, def)
		}
	}
	return out
}

func providerAllowed(id string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == id {
			return true
		}
	}
	return false
}
