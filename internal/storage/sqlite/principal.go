package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// APIKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) APIKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, project_id, status, usage_limit, usage,
		 allowed_providers, created_at, last_used_at
		 FROM api_keys WHERE key_hash = ?`, hash,
	)
	return scanAPIKey(row)
}

// ProjectByID retrieves a project.
func (s *Store) ProjectByID(ctx context.Context, id string) (*gateway.Project, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, org_id, name, mode, status, caching_enabled, cache_ttl_s
		 FROM projects WHERE id = ?`, id,
	)
	var p gateway.Project
	var caching int
	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Mode, &p.Status, &caching, &p.CacheTTLs)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.CachingEnabled = caching != 0
	return &p, nil
}

// OrganizationByID retrieves an organization.
func (s *Store) OrganizationByID(ctx context.Context, id string) (*gateway.Organization, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, credits, plan, dev_plan, dev_plan_credits_limit,
		 dev_plan_credits_used, dev_plan_expires_at, dev_plan_allow_all_models,
		 retention_level, is_personal, custom_provider_base_url, custom_provider_key
		 FROM organizations WHERE id = ?`, id,
	)
	var o gateway.Organization
	var expiresAt, customURL, customKey sql.NullString
	var allowAll, personal int
	err := row.Scan(&o.ID, &o.Name, &o.Credits, &o.Plan, &o.DevPlan,
		&o.DevPlanCreditsLimit, &o.DevPlanCreditsUsed, &expiresAt, &allowAll,
		&o.RetentionLevel, &personal, &customURL, &customKey,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	o.DevPlanExpiresAt = parseTime(expiresAt)
	o.DevPlanAllowAllModels = allowAll != 0
	o.IsPersonal = personal != 0
	o.CustomProviderBaseURL = customURL.String
	o.CustomProviderKey = customKey.String
	return &o, nil
}

// TouchAPIKey updates the key's last_used_at timestamp. Failures are logged
// and swallowed: a missed touch never blocks a request.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "touch api key failed",
			slog.String("key_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *gateway.Organization) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO organizations (id, name, credits, plan, dev_plan,
		 dev_plan_credits_limit, dev_plan_credits_used, dev_plan_expires_at,
		 dev_plan_allow_all_models, retention_level, is_personal,
		 custom_provider_base_url, custom_provider_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Credits, org.Plan, orDefault(org.DevPlan, "none"),
		org.DevPlanCreditsLimit, org.DevPlanCreditsUsed, timeToStr(org.DevPlanExpiresAt),
		boolToInt(org.DevPlanAllowAllModels), orDefault(org.RetentionLevel, gateway.RetentionNone),
		boolToInt(org.IsPersonal), nullStr(org.CustomProviderBaseURL),
		nullStr(org.CustomProviderKey), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, p *gateway.Project) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO projects (id, org_id, name, mode, status, caching_enabled, cache_ttl_s, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, orDefault(p.Mode, gateway.ProjectModeCredits),
		orDefault(p.Status, "active"), boolToInt(p.CachingEnabled), p.CacheTTLs,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// CreateAPIKey inserts a new API key.
func (s *Store) CreateAPIKey(ctx context.Context, key *gateway.APIKey) error {
	providers, err := marshalJSON(key.AllowedProviders)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, project_id, status,
		 usage_limit, usage, allowed_providers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.ProjectID, orDefault(key.Status, "active"),
		nullFloat(key.UsageLimit), key.Usage, providers,
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func scanAPIKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var usageLimit sql.NullFloat64
	var providers, createdAt, lastUsedAt sql.NullString

	err := sc.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.ProjectID, &k.Status,
		&usageLimit, &k.Usage, &providers, &createdAt, &lastUsedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.UsageLimit = floatPtr(usageLimit)
	k.AllowedProviders = unmarshalStrings(providers)
	k.CreatedAt = mustTime(createdAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	return &k, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
