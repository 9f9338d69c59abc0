// Package proxy orchestrates upstream attempts: it resolves per-attempt
// provider contexts, executes them with the right deadline tier, and walks
// the retry ladder when attempts fail.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
	"github.com/llmgateway/llmgateway/internal/routing"
)

// ErrNoStoredKey is returned by StoredKeys when the org has no key for a
// provider.
var ErrNoStoredKey = errors.New("no stored provider key")

// StoredKeys loads customer-stored provider credentials.
type StoredKeys interface {
	ProviderKey(ctx context.Context, orgID, providerID string) (string, error)
}

// EnvPool hands out server-side provider tokens and receives health reports.
type EnvPool interface {
	Get(providerID string) (string, error)
	Report(providerID, token string, statusCode int, errorType string)
}

// Credential sources recorded per attempt; env-pool attempts bill org credits.
const (
	credentialStored = "stored"
	credentialEnv    = "env"
	credentialCustom = "custom"
)

// attemptContext is one fully resolved dispatch: adapter inputs plus the
// billing source.
type attemptContext struct {
	attempt    *provider.Attempt
	credential string // stored, env, custom
	token      string
}

// errUnresolvable tags context-resolution failures. These attempts never
// reached the upstream, so they do not consume a retry slot.
type errUnresolvable struct{ err error }

func (e *errUnresolvable) Error() string { return e.err.Error() }
func (e *errUnresolvable) Unwrap() error { return e.err }

// resolveAttempt builds the provider context for one candidate mapping.
func (o *Orchestrator) resolveAttempt(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, mapping *gateway.ProviderMapping, model *gateway.ModelDef) (*attemptContext, error) {
	req := env.Request

	if req.MaxTokens != nil && mapping.MaxOutput > 0 && *req.MaxTokens > mapping.MaxOutput {
		return nil, &errUnresolvable{fmt.Errorf("%w: max_tokens %d exceeds the %d limit for %s/%s",
			gateway.ErrBadRequest, *req.MaxTokens, mapping.MaxOutput, mapping.ProviderID, model.ID)}
	}

	a := &provider.Attempt{
		RequestID: env.RequestID,
		Model:     model.ID,
		Native:    mapping.ModelName,
		Mapping:   mapping,
		Request:   req,
	}

	if mapping.ProviderID == routing.ProviderCustom {
		if principal.Org.CustomProviderKey == "" {
			return nil, &errUnresolvable{fmt.Errorf("%w: no custom provider configured", gateway.ErrBadRequest)}
		}
		a.APIKey = principal.Org.CustomProviderKey
		a.BaseURL = principal.Org.CustomProviderBaseURL
		return &attemptContext{attempt: a, credential: credentialCustom, token: a.APIKey}, nil
	}

	switch principal.Project.Mode {
	case gateway.ProjectModeAPIKeys:
		key, err := o.storedKeys.ProviderKey(ctx, principal.Org.ID, mapping.ProviderID)
		if err != nil {
			return nil, &errUnresolvable{fmt.Errorf("%w: no stored key for provider %q", gateway.ErrBadRequest, mapping.ProviderID)}
		}
		a.APIKey = key
		return &attemptContext{attempt: a, credential: credentialStored, token: key}, nil

	case gateway.ProjectModeHybrid:
		if key, err := o.storedKeys.ProviderKey(ctx, principal.Org.ID, mapping.ProviderID); err == nil {
			a.APIKey = key
			return &attemptContext{attempt: a, credential: credentialStored, token: key}, nil
		}
		fallthrough

	default: // credits
		// Free models never consume credits, so a zero balance does not
		// block them.
		if !model.Free {
			if err := checkCredits(principal.Org); err != nil {
				return nil, &errUnresolvable{err}
			}
		}
		token, err := o.envPool.Get(mapping.ProviderID)
		if err != nil {
			return nil, &errUnresolvable{err}
		}
		a.APIKey = token
		return &attemptContext{attempt: a, credential: credentialEnv, token: token}, nil
	}
}

// checkCredits gates env-pool dispatch on a positive credit balance.
func checkCredits(org *gateway.Organization) error {
	if org.TotalAvailableCredits() > 0 {
		return nil
	}
	if org.HasDevPlan() && org.DevPlanExpiresAt != nil && org.DevPlanExpiresAt.Before(time.Now()) {
		return fmt.Errorf("%w: dev plan credits renew on %s",
			gateway.ErrPaymentRequired, org.DevPlanExpiresAt.AddDate(0, 1, 0).Format("2006-01-02"))
	}
	return fmt.Errorf("%w: organization has no credits", gateway.ErrPaymentRequired)
}
