// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// PrincipalStore loads and maintains the entities behind an authenticated
// request: API key, project, organization. Lookup misses return
// gateway.ErrNotFound.
type PrincipalStore interface {
	APIKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ProjectByID(ctx context.Context, id string) (*gateway.Project, error)
	OrganizationByID(ctx context.Context, id string) (*gateway.Organization, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time)

	CreateOrganization(ctx context.Context, org *gateway.Organization) error
	CreateProject(ctx context.Context, p *gateway.Project) error
	CreateAPIKey(ctx context.Context, key *gateway.APIKey) error
}

// ProviderKeyStore manages customer-stored upstream provider credentials.
type ProviderKeyStore interface {
	ProviderKey(ctx context.Context, orgID, providerID string) (string, error)
	StoredKeyProviders(ctx context.Context, orgID string) ([]string, error)
	UpsertProviderKey(ctx context.Context, orgID, providerID, key string) error
	DeleteProviderKey(ctx context.Context, orgID, providerID string) error
}

// CatalogStore persists the model catalog seeded at bootstrap and loaded
// once at startup.
type CatalogStore interface {
	UpsertModel(ctx context.Context, def *gateway.ModelDef) error
	LoadModels(ctx context.Context) ([]gateway.ModelDef, error)
}

// LogStore persists attempt logs, written in batches by the log recorder
// worker.
type LogStore interface {
	InsertAttemptLogs(ctx context.Context, logs []*gateway.AttemptLog) error
}

// MetricsStore maintains per-(model, provider) health rollups derived from
// attempt logs. RecentMetrics returns full uptime for pairs with no recent
// sample so new mappings are not penalized.
type MetricsStore interface {
	RecentMetrics(ctx context.Context, model, provider string) (gateway.ProviderMetrics, error)
	RollupMetrics(ctx context.Context, since time.Time) error
}

// SpendStore applies billing deltas. Key usage accrues on every billable
// request; organization credits are deducted only for env-pool attempts,
// dev-plan balance before paid credits.
type SpendStore interface {
	AddKeyUsage(ctx context.Context, keyID string, amount float64) error
	DeductCredits(ctx context.Context, orgID string, amount float64) error
}

// Store combines all storage interfaces.
type Store interface {
	PrincipalStore
	ProviderKeyStore
	CatalogStore
	LogStore
	MetricsStore
	SpendStore
	Ping(ctx context.Context) error
	Close() error
}
