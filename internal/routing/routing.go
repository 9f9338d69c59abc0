// Package routing implements the provider routing engine: auto selection by
// cost and health, direct-provider uptime fallback, and project-mode
// candidate selection.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/catalog"
	"github.com/llmgateway/llmgateway/internal/tokencount"
)

// Provider ids with reserved routing semantics.
const (
	ProviderAuto       = "auto"
	ProviderCustom     = "custom"
	ProviderLLMGateway = "llmgateway"
)

// Uptime thresholds, in percent.
const (
	demoteUptimeBelow   = 80.0 // scored below all healthy candidates
	fallbackUptimeBelow = 90.0 // explicit-provider fallback trigger
)

// MetricsSource provides recent (5-minute) health samples per
// (model, provider) pair. Missing samples return full uptime so that new
// mappings are not penalized.
type MetricsSource interface {
	RecentMetrics(ctx context.Context, model, provider string) (gateway.ProviderMetrics, error)
}

// KeySource reports which provider ids have usable credentials.
type KeySource interface {
	// StoredKeyProviders lists providers with a customer-stored key for the org.
	StoredKeyProviders(ctx context.Context, orgID string) ([]string, error)
	// EnvProviders lists providers with a server-side environment token.
	EnvProviders() []string
}

// Engine resolves a request to a concrete (model, provider) mapping.
type Engine struct {
	catalog *catalog.Catalog
	metrics MetricsSource
	keys    KeySource
	counter *tokencount.Counter
}

// New returns an Engine.
func New(cat *catalog.Catalog, metrics MetricsSource, keys KeySource, counter *tokencount.Counter) *Engine {
	return &Engine{catalog: cat, metrics: metrics, keys: keys, counter: counter}
}

// Decision is the routing outcome handed to the provider context resolver.
type Decision struct {
	Model    *gateway.ModelDef
	Mapping  gateway.ProviderMapping
	Eligible []gateway.ProviderMapping // retry candidates, superset of Mapping
	Metadata *gateway.RoutingMetadata
}

// Route resolves the envelope's model to a provider mapping.
func (e *Engine) Route(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal) (*Decision, error) {
	visible, err := e.visibleProviders(ctx, principal)
	if err != nil {
		return nil, err
	}

	switch {
	case env.RequestedModel == ProviderAuto:
		return e.routeAuto(ctx, env, principal, visible)
	case env.RequestedProvider == ProviderCustom:
		return e.routeCustom(env, principal)
	case env.RequestedProvider != "":
		return e.routeDirect(ctx, env, principal, visible)
	default:
		return e.routeModel(ctx, env, principal, visible)
	}
}

// visibleProviders returns provider ids usable under the project mode:
// stored keys for api-keys mode, the env pool for credits mode, the union
// for hybrid.
func (e *Engine) visibleProviders(ctx context.Context, principal *gateway.Principal) (map[string]bool, error) {
	out := make(map[string]bool)
	mode := principal.Project.Mode
	if mode == gateway.ProjectModeAPIKeys || mode == gateway.ProjectModeHybrid {
		stored, err := e.keys.StoredKeyProviders(ctx, principal.Org.ID)
		if err != nil {
			return nil, fmt.Errorf("list stored provider keys: %w", err)
		}
		for _, p := range stored {
			out[p] = true
		}
	}
	if mode == gateway.ProjectModeCredits || mode == gateway.ProjectModeHybrid {
		for _, p := range e.keys.EnvProviders() {
			out[p] = true
		}
	}
	return out, nil
}

// scored pairs a mapping with its health sample for ordering.
type scored struct {
	model   *gateway.ModelDef
	mapping gateway.ProviderMapping
	score   gateway.ProviderScore
}

// blendedPrice is the scoring price: per-token input+output price with the
// mapping's discount applied.
func blendedPrice(m *gateway.ProviderMapping) float64 {
	price := m.InputPrice + m.OutputPrice
	if m.Discount > 0 && m.Discount < 1 {
		price *= 1 - m.Discount
	}
	return price
}

// rank orders candidates by the scoring rule: price dominates; ties break
// by higher uptime, then lower latency, then higher throughput, then
// priority. Candidates below the demotion uptime sort after all healthy
// ones. Score values are assigned by rank, highest first.
func rank(cands []scored) []scored {
	slices.SortStableFunc(cands, func(a, b scored) int {
		ad, bd := a.score.Uptime < demoteUptimeBelow, b.score.Uptime < demoteUptimeBelow
		switch {
		case ad != bd && ad:
			return 1
		case ad != bd:
			return -1
		}
		switch {
		case a.score.Price != b.score.Price:
			if a.score.Price < b.score.Price {
				return -1
			}
			return 1
		case a.score.Uptime != b.score.Uptime:
			if a.score.Uptime > b.score.Uptime {
				return -1
			}
			return 1
		case a.score.Latency != b.score.Latency:
			if a.score.Latency < b.score.Latency {
				return -1
			}
			return 1
		case a.score.Throughput != b.score.Throughput:
			if a.score.Throughput > b.score.Throughput {
				return -1
			}
			return 1
		default:
			return a.score.Priority - b.score.Priority
		}
	})
	for i := range cands {
		cands[i].score.Score = float64(len(cands) - i)
	}
	return cands
}

// sample fetches the health sample for a candidate; lookup failures log and
// default to full uptime so routing degrades gracefully.
func (e *Engine) sample(ctx context.Context, modelID string, m *gateway.ProviderMapping, priority int) gateway.ProviderScore {
	metrics, err := e.metrics.RecentMetrics(ctx, modelID, m.ProviderID)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "provider metrics lookup failed",
			slog.String("model", modelID),
			slog.String("provider", m.ProviderID),
			slog.String("error", err.Error()),
		)
		metrics = gateway.ProviderMetrics{Uptime: 100}
	}
	return gateway.ProviderScore{
		ProviderID: m.ProviderID,
		Price:      blendedPrice(m),
		Uptime:     metrics.Uptime,
		Latency:    metrics.AvgLatency,
		Throughput: metrics.Throughput,
		Priority:   priority,
	}
}

// collect builds scored candidates for the eligible mappings of one model,
// restricted to visible providers.
func (e *Engine) collect(ctx context.Context, def *gateway.ModelDef, eligible []gateway.ProviderMapping, visible map[string]bool) []scored {
	var out []scored
	for i := range eligible {
		m := eligible[i]
		if len(visible) > 0 && !visible[m.ProviderID] {
			continue
		}
		out = append(out, scored{
			model:   def,
			mapping: m,
			score:   e.sample(ctx, def.ID, &m, i),
		})
	}
	return out
}

func metadataFrom(cands []scored, selected, reason string, noFallback bool) *gateway.RoutingMetadata {
	md := &gateway.RoutingMetadata{
		SelectedProvider: selected,
		SelectionReason:  reason,
		NoFallback:       noFallback,
	}
	for _, c := range cands {
		md.AvailableProviders = append(md.AvailableProviders, c.score.ProviderID)
		md.ProviderScores = append(md.ProviderScores, c.score)
	}
	return md
}

func decisionFrom(cands []scored, reason string, noFallback bool) *Decision {
	top := cands[0]
	eligible := make([]gateway.ProviderMapping, len(cands))
	for i, c := range cands {
		eligible[i] = c.mapping
	}
	return &Decision{
		Model:    top.model,
		Mapping:  top.mapping,
		Eligible: eligible,
		Metadata: metadataFrom(cands, top.score.ProviderID, reason, noFallback),
	}
}

// routeAuto selects the cheapest suitable (model, provider) across the auto
// candidate set.
func (e *Engine) routeAuto(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, visible map[string]bool) (*Decision, error) {
	req := env.Request
	now := time.Now()

	var cands []scored
	for _, def := range e.catalog.AutoCandidates(req.FreeModelsOnly) {
		prompt := e.counter.EstimateRequest(def.Family, req)
		reqs := catalog.RequirementsFromRequest(req, prompt, principal.Key.AllowedProviders, false)
		eligible, err := e.catalog.EligibleMappings(def, reqs, now)
		if err != nil {
			continue
		}
		cands = append(cands, e.collect(ctx, def, eligible, visible)...)
	}

	if len(cands) == 0 {
		if req.FreeModelsOnly || req.NoReasoning {
			return nil, fmt.Errorf("%w: no model matches the requested auto constraints", gateway.ErrBadRequest)
		}
		return e.autoFallback(ctx, env, principal, visible)
	}

	cands = rank(cands)
	return decisionFrom(cands, gateway.SelectionCheapestAvailable, env.NoFallback), nil
}

// autoFallback routes auto requests with no candidates to the default model.
func (e *Engine) autoFallback(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, visible map[string]bool) (*Decision, error) {
	providerID, modelID := gateway.SplitModel(catalog.AutoFallbackModel)
	def, mapping, ok := e.catalog.Mapping(modelID, providerID)
	if !ok {
		return nil, fmt.Errorf("%w: auto routing found no eligible model", gateway.ErrBadRequest)
	}
	cands := []scored{{
		model:   def,
		mapping: *mapping,
		score:   e.sample(ctx, def.ID, mapping, 0),
	}}
	cands = rank(cands)
	return decisionFrom(cands, gateway.SelectionFallbackFirstAvailable, env.NoFallback), nil
}

// routeDirect handles an explicit provider request, applying low-uptime
// fallback unless disabled.
func (e *Engine) routeDirect(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, visible map[string]bool) (*Decision, error) {
	def, mapping, ok := e.catalog.Mapping(env.RequestedModel, env.RequestedProvider)
	if !ok {
		if def == nil {
			return nil, fmt.Errorf("%w: unknown model %q", gateway.ErrBadRequest, env.RequestedModel)
		}
		return nil, fmt.Errorf("%w: provider %q does not serve model %q",
			gateway.ErrBadRequest, env.RequestedProvider, env.RequestedModel)
	}

	req := env.Request
	prompt := e.counter.EstimateRequest(def.Family, req)
	reqs := catalog.RequirementsFromRequest(req, prompt, principal.Key.AllowedProviders, true)
	eligible, err := e.catalog.EligibleMappings(def, reqs, time.Now())
	if err != nil {
		return nil, err
	}
	if !slices.ContainsFunc(eligible, func(m gateway.ProviderMapping) bool {
		return m.ProviderID == env.RequestedProvider
	}) {
		return nil, fmt.Errorf("%w: provider %q cannot serve this request for model %q",
			gateway.ErrBadRequest, env.RequestedProvider, env.RequestedModel)
	}

	original := scored{model: def, mapping: *mapping, score: e.sample(ctx, def.ID, mapping, 0)}

	// llmgateway-hosted mappings and no-fallback requests pin the provider.
	skipFallback := env.NoFallback || env.RequestedProvider == ProviderLLMGateway
	if !skipFallback && original.score.Uptime < fallbackUptimeBelow {
		if d := e.lowUptimeFallback(ctx, def, eligible, visible, original, env.NoFallback); d != nil {
			return d, nil
		}
	}

	cands := rank([]scored{original})
	return decisionFrom(cands, gateway.SelectionDirectProvider, env.NoFallback), nil
}

// lowUptimeFallback switches away from a degraded explicit provider when a
// strictly healthier alternative exists. Returns nil to keep the original.
func (e *Engine) lowUptimeFallback(ctx context.Context, def *gateway.ModelDef, eligible []gateway.ProviderMapping, visible map[string]bool, original scored, noFallback bool) *Decision {
	var alts []scored
	for _, c := range e.collect(ctx, def, eligible, visible) {
		if c.score.ProviderID == original.score.ProviderID {
			continue
		}
		if c.score.Uptime > original.score.Uptime {
			alts = append(alts, c)
		}
	}
	if len(alts) == 0 {
		return nil
	}
	alts = rank(alts)
	d := decisionFrom(alts, gateway.SelectionLowUptimeFallback, noFallback)

	// Record the bypassed provider with a synthetic score so the routing
	// metadata explains the switch.
	skipped := original.score
	skipped.Score = -1
	d.Metadata.ProviderScores = append(d.Metadata.ProviderScores, skipped)
	d.Metadata.AvailableProviders = append(d.Metadata.AvailableProviders, skipped.ProviderID)
	return d
}

// routeCustom resolves the org-configured custom provider.
func (e *Engine) routeCustom(env *gateway.Envelope, principal *gateway.Principal) (*Decision, error) {
	if principal.Org.CustomProviderKey == "" {
		return nil, fmt.Errorf("%w: no custom provider configured for this organization", gateway.ErrBadRequest)
	}
	mapping := gateway.ProviderMapping{
		ProviderID: ProviderCustom,
		ModelName:  env.RequestedModel,
		Streaming:  true,
		Tools:      true,
		JSONOutput: true,
	}
	def := &gateway.ModelDef{ID: env.RequestedModel, Family: "custom", Providers: []gateway.ProviderMapping{mapping}}
	cands := rank([]scored{{model: def, mapping: mapping, score: gateway.ProviderScore{ProviderID: ProviderCustom, Uptime: 100}}})
	return decisionFrom(cands, gateway.SelectionDirectProvider, env.NoFallback), nil
}

// routeModel selects a provider for a model with no explicit provider.
func (e *Engine) routeModel(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, visible map[string]bool) (*Decision, error) {
	def, ok := e.catalog.Get(env.RequestedModel)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", gateway.ErrBadRequest, env.RequestedModel)
	}

	req := env.Request
	prompt := e.counter.EstimateRequest(def.Family, req)
	reqs := catalog.RequirementsFromRequest(req, prompt, principal.Key.AllowedProviders, false)
	eligible, err := e.catalog.EligibleMappings(def, reqs, time.Now())
	if err != nil {
		return nil, err
	}

	cands := e.collect(ctx, def, eligible, visible)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: no provider key source available for model %q under project mode %q",
			gateway.ErrBadRequest, def.ID, principal.Project.Mode)
	}

	reason := gateway.SelectionCheapestAvailable
	if len(cands) == 1 {
		reason = gateway.SelectionSingleProvider
	}
	cands = rank(cands)
	return decisionFrom(cands, reason, env.NoFallback), nil
}
