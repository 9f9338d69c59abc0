// Package server implements the HTTP transport layer for the gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/catalog"
	"github.com/llmgateway/llmgateway/internal/routing"
	"github.com/llmgateway/llmgateway/internal/stream"
	"github.com/llmgateway/llmgateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator resolves a raw API key to a principal.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (*gateway.Principal, error)
}

// Guardrail screens enterprise requests before routing.
type Guardrail interface {
	Apply(ctx context.Context, principal *gateway.Principal, req *gateway.ChatRequest) error
}

// Router resolves the request to a concrete (model, provider) decision.
type Router interface {
	Route(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal) (*routing.Decision, error)
}

// ChatProxy executes routed requests against upstream providers.
type ChatProxy interface {
	Unary(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision) (*gateway.ChatResponse, error)
	Stream(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision, sink stream.Sink) error
}

// Policy holds boundary-enforced request policy.
type Policy struct {
	ForceDebug       bool
	ImageLimitFreeMB int
	ImageLimitProMB  int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Guardrail      Guardrail          // nil = no guardrail
	Router         Router
	Proxy          ChatProxy
	Catalog        *catalog.Catalog
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Policy         Policy
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.measure)
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	return r
}

type server struct {
	deps Deps
}
