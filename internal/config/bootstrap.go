package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/storage"
)

// Bootstrap seeds the database from the config file. Model definitions are
// upserted on every start so price and capability edits take effect; seed
// organizations, projects, and keys are created only when absent.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, m := range cfg.Models {
		def := m.ToDef()
		if err := store.UpsertModel(ctx, &def); err != nil {
			return err
		}
	}
	if len(cfg.Models) > 0 {
		slog.Info("catalog seeded", "models", len(cfg.Models))
	}

	for _, o := range cfg.Organizations {
		if existing, _ := store.OrganizationByID(ctx, o.ID); existing != nil {
			continue
		}
		org := &gateway.Organization{
			ID:                    o.ID,
			Name:                  o.Name,
			Credits:               o.Credits,
			Plan:                  orDefault(o.Plan, "free"),
			DevPlan:               "none",
			RetentionLevel:        orDefault(o.RetentionLevel, gateway.RetentionNone),
			IsPersonal:            o.IsPersonal,
			CustomProviderBaseURL: o.CustomProviderBaseURL,
			CustomProviderKey:     o.CustomProviderKey,
		}
		if err := store.CreateOrganization(ctx, org); err != nil {
			return err
		}
		slog.Info("bootstrapped organization", "id", org.ID)
	}

	for _, p := range cfg.Projects {
		if existing, _ := store.ProjectByID(ctx, p.ID); existing != nil {
			continue
		}
		project := &gateway.Project{
			ID:             p.ID,
			OrgID:          p.OrgID,
			Name:           p.Name,
			Mode:           orDefault(p.Mode, gateway.ProjectModeCredits),
			Status:         "active",
			CachingEnabled: p.CachingEnabled,
			CacheTTLs:      p.CacheTTLs,
		}
		if err := store.CreateProject(ctx, project); err != nil {
			return err
		}
		slog.Info("bootstrapped project", "id", project.ID, "mode", project.Mode)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)
		if existing, _ := store.APIKeyByHash(ctx, hash); existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		key := &gateway.APIKey{
			ID:               uuid.Must(uuid.NewV7()).String(),
			KeyHash:          hash,
			KeyPrefix:        prefix,
			ProjectID:        k.ProjectID,
			Status:           "active",
			UsageLimit:       k.UsageLimit,
			AllowedProviders: k.Providers,
			CreatedAt:        time.Now().UTC(),
		}
		if err := store.CreateAPIKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "prefix", prefix)
	}

	return nil
}

// GenerateKey creates a random gateway API key and returns the plaintext.
func GenerateKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
