package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// FakeStore is an in-memory principal, provider-key, and metrics store. It
// implements auth.Store, proxy.StoredKeys, routing.KeySource, and
// routing.MetricsSource.
type FakeStore struct {
	mu           sync.RWMutex
	keys         map[string]*gateway.APIKey // by hash
	projects     map[string]*gateway.Project
	orgs         map[string]*gateway.Organization
	providerKeys map[string]string // orgID+"/"+providerID
	envProviders []string
	metrics      map[string]gateway.ProviderMetrics // model+"/"+provider
	touched      []string

	// ErrKeys, when set, makes APIKeyByHash fail with it.
	ErrKeys error
	// ErrMetrics, when set, makes RecentMetrics fail with it.
	ErrMetrics error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:         make(map[string]*gateway.APIKey),
		projects:     make(map[string]*gateway.Project),
		orgs:         make(map[string]*gateway.Organization),
		providerKeys: make(map[string]string),
		metrics:      make(map[string]gateway.ProviderMetrics),
	}
}

// AddPrincipal registers a raw API key resolving to the given principal.
func (s *FakeStore) AddPrincipal(rawKey string, p *gateway.Principal) {
	s.mu.Lock()
	s.keys[gateway.HashKey(rawKey)] = p.Key
	s.projects[p.Project.ID] = p.Project
	s.orgs[p.Org.ID] = p.Org
	s.mu.Unlock()
}

// Touched returns the key ids recorded by TouchAPIKey, in call order.
func (s *FakeStore) Touched() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.touched...)
}

// --- auth.Store ---

// APIKeyByHash looks up an API key by its hash.
func (s *FakeStore) APIKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	if s.ErrKeys != nil {
		return nil, s.ErrKeys
	}
	s.mu.RLock()
	k, ok := s.keys[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

// ProjectByID looks up a project.
func (s *FakeStore) ProjectByID(_ context.Context, id string) (*gateway.Project, error) {
	s.mu.RLock()
	p, ok := s.projects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

// OrganizationByID looks up an organization.
func (s *FakeStore) OrganizationByID(_ context.Context, id string) (*gateway.Organization, error) {
	s.mu.RLock()
	o, ok := s.orgs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return o, nil
}

// TouchAPIKey records the touch.
func (s *FakeStore) TouchAPIKey(_ context.Context, id string, _ time.Time) {
	s.mu.Lock()
	s.touched = append(s.touched, id)
	s.mu.Unlock()
}

// --- proxy.StoredKeys ---

// SetProviderKey stores a customer provider credential.
func (s *FakeStore) SetProviderKey(orgID, providerID, key string) {
	s.mu.Lock()
	s.providerKeys[orgID+"/"+providerID] = key
	s.mu.Unlock()
}

// ProviderKey returns the stored credential for (org, provider).
func (s *FakeStore) ProviderKey(_ context.Context, orgID, providerID string) (string, error) {
	s.mu.RLock()
	key, ok := s.providerKeys[orgID+"/"+providerID]
	s.mu.RUnlock()
	if !ok {
		return "", gateway.ErrNotFound
	}
	return key, nil
}

// --- routing.KeySource ---

// SetEnvProviders sets the provider ids reported by EnvProviders.
func (s *FakeStore) SetEnvProviders(ids ...string) {
	s.mu.Lock()
	s.envProviders = ids
	s.mu.Unlock()
}

// StoredKeyProviders lists providers with a stored key for the org.
func (s *FakeStore) StoredKeyProviders(_ context.Context, orgID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	prefix := orgID + "/"
	for k := range s.providerKeys {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

// EnvProviders lists providers with server-side tokens.
func (s *FakeStore) EnvProviders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.envProviders...)
}

// --- routing.MetricsSource ---

// SetMetrics sets the health sample for a (model, provider) pair.
func (s *FakeStore) SetMetrics(model, provider string, m gateway.ProviderMetrics) {
	s.mu.Lock()
	s.metrics[model+"/"+provider] = m
	s.mu.Unlock()
}

// RecentMetrics returns the configured sample, or full uptime when absent.
func (s *FakeStore) RecentMetrics(_ context.Context, model, provider string) (gateway.ProviderMetrics, error) {
	if s.ErrMetrics != nil {
		return gateway.ProviderMetrics{}, s.ErrMetrics
	}
	s.mu.RLock()
	m, ok := s.metrics[model+"/"+provider]
	s.mu.RUnlock()
	if !ok {
		return gateway.ProviderMetrics{Uptime: 100}, nil
	}
	return m, nil
}
