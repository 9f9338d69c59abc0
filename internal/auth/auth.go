// Package auth resolves API keys to principals and enforces key, project,
// and organization gates.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/catalog"
	"github.com/maypok86/otter/v2"
)

// Store loads principal components from persistent storage.
type Store interface {
	APIKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ProjectByID(ctx context.Context, id string) (*gateway.Project, error)
	OrganizationByID(ctx context.Context, id string) (*gateway.Organization, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time)
}

// ErrNoRecord is returned by Store implementations when a lookup misses.
var ErrNoRecord = gateway.ErrNotFound

const (
	principalCacheSize = 10_000
	principalCacheTTL  = 30 * time.Second
)

// Resolver authenticates requests and caches resolved principals briefly so
// hot keys avoid three lookups per request.
type Resolver struct {
	store Store
	cache *otter.Cache[string, *gateway.Principal]
}

// NewResolver returns a Resolver backed by the store.
func NewResolver(store Store) (*Resolver, error) {
	c, err := otter.New[string, *gateway.Principal](&otter.Options[string, *gateway.Principal]{
		MaximumSize:      principalCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Principal](principalCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create principal cache: %w", err)
	}
	return &Resolver{store: store, cache: c}, nil
}

// TokenFromRequest extracts the API key from Authorization: Bearer or
// x-api-key. Empty when absent.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Resolve authenticates a raw token and returns the principal. Gates applied
// here are the ones independent of routing: key status, usage limit, project
// status, and the retention credit floor.
func (r *Resolver) Resolve(ctx context.Context, token string) (*gateway.Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing API key", gateway.ErrUnauthorized)
	}

	hash := gateway.HashKey(token)
	principal, ok := r.cache.GetIfPresent(hash)
	if !ok {
		var err error
		principal, err = r.load(ctx, hash)
		if err != nil {
			return nil, err
		}
		r.cache.Set(hash, principal)
	}

	if err := checkGates(principal); err != nil {
		return nil, err
	}

	r.store.TouchAPIKey(ctx, principal.Key.ID, time.Now())
	return principal, nil
}

func (r *Resolver) load(ctx context.Context, hash string) (*gateway.Principal, error) {
	key, err := r.store.APIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, fmt.Errorf("%w: unknown API key", gateway.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: api key lookup: %v", gateway.ErrInternal, err)
	}
	project, err := r.store.ProjectByID(ctx, key.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: project lookup: %v", gateway.ErrInternal, err)
	}
	org, err := r.store.OrganizationByID(ctx, project.OrgID)
	if err != nil {
		return nil, fmt.Errorf("%w: organization lookup: %v", gateway.ErrInternal, err)
	}
	return &gateway.Principal{Key: key, Project: project, Org: org}, nil
}

func checkGates(p *gateway.Principal) error {
	if p.Key.Status != "active" {
		return fmt.Errorf("%w: API key is %s", gateway.ErrUnauthorized, p.Key.Status)
	}
	if p.Key.UsageLimit != nil && p.Key.Usage >= *p.Key.UsageLimit {
		return gateway.ErrUsageLimit
	}
	if p.Project.Status == "deleted" {
		return gateway.ErrProjectGone
	}
	if p.Org.RetentionLevel == gateway.RetentionRetain && p.Org.TotalAvailableCredits() <= 0 {
		return fmt.Errorf("%w: data retention requires a positive credit balance", gateway.ErrPaymentRequired)
	}
	return nil
}

// AuthorizeModel enforces the coding-model restriction for dev-plan personal
// organizations. Runs after model parsing, before routing.
func AuthorizeModel(p *gateway.Principal, modelID string) error {
	if !p.Org.IsPersonal || !p.Org.HasDevPlan() || p.Org.DevPlanAllowAllModels {
		return nil
	}
	if modelID == "auto" || catalog.CodingModels[modelID] {
		return nil
	}
	return fmt.Errorf("%w: model %q is not available on this plan", gateway.ErrForbidden, modelID)
}
