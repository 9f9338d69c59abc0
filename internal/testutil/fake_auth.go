package testutil

import (
	"context"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// NewPrincipal returns a fully populated test principal: an active key on a
// credits-mode project under a pro org with paid credits. Tests mutate the
// returned structs to set up edge cases.
func NewPrincipal() *gateway.Principal {
	return &gateway.Principal{
		Key: &gateway.APIKey{
			ID:        "key-1",
			KeyPrefix: "llmgw_te",
			ProjectID: "proj-1",
			Status:    "active",
		},
		Project: &gateway.Project{
			ID:     "proj-1",
			OrgID:  "org-1",
			Name:   "test project",
			Mode:   gateway.ProjectModeCredits,
			Status: "active",
		},
		Org: &gateway.Organization{
			ID:             "org-1",
			Name:           "test org",
			Credits:        100,
			Plan:           "pro",
			DevPlan:        "none",
			RetentionLevel: gateway.RetentionNone,
		},
	}
}

// FakeAuth resolves every token to the configured principal, or to a fresh
// default principal when none is set.
type FakeAuth struct {
	Principal *gateway.Principal
	Err       error
}

// Resolve returns the configured principal or error.
func (f *FakeAuth) Resolve(context.Context, string) (*gateway.Principal, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Principal != nil {
		return f.Principal, nil
	}
	return NewPrincipal(), nil
}
