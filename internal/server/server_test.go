package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/catalog"
	"github.com/llmgateway/llmgateway/internal/routing"
	"github.com/llmgateway/llmgateway/internal/stream"
	"github.com/llmgateway/llmgateway/internal/testutil"
)

// fakeRouter records the envelope and returns a fixed decision.
type fakeRouter struct {
	lastEnv *gateway.Envelope
	err     error
}

func (f *fakeRouter) Route(_ context.Context, env *gateway.Envelope, _ *gateway.Principal) (*routing.Decision, error) {
	f.lastEnv = env
	if f.err != nil {
		return nil, f.err
	}
	return &routing.Decision{
		Model:    &gateway.ModelDef{ID: "gpt-4o", Family: "openai"},
		Mapping:  gateway.ProviderMapping{ProviderID: "openai", ModelName: "gpt-4o"},
		Eligible: []gateway.ProviderMapping{{ProviderID: "openai", ModelName: "gpt-4o"}},
		Metadata: &gateway.RoutingMetadata{},
	}, nil
}

// fakeProxy returns a canned unary response and drives the sink for streams.
type fakeProxy struct {
	unaryErr  error
	streamFn  func(sink stream.Sink) error
	streamErr error
}

func (f *fakeProxy) Unary(context.Context, *gateway.Envelope, *gateway.Principal, *routing.Decision) (*gateway.ChatResponse, error) {
	if f.unaryErr != nil {
		return nil, f.unaryErr
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: 1234567890,
		Model:   "gpt-4o",
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"Hello!"`)},
			FinishReason: "stop",
		}},
	}, nil
}

func (f *fakeProxy) Stream(_ context.Context, _ *gateway.Envelope, _ *gateway.Principal, _ *routing.Decision, sink stream.Sink) error {
	if f.streamFn != nil {
		return f.streamFn(sink)
	}
	return f.streamErr
}

func testDeps() (Deps, *fakeRouter, *fakeProxy) {
	router := &fakeRouter{}
	proxy := &fakeProxy{}
	deps := Deps{
		Auth:    &testutil.FakeAuth{},
		Router:  router,
		Proxy:   proxy,
		Catalog: catalog.New([]gateway.ModelDef{{ID: "gpt-4o", Family: "openai"}}),
	}
	return deps, router, proxy
}

func postChat(h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer llmgw_test")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	deps, _, _ := testDeps()
	h := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	deps, _, _ := testDeps()
	deps.ReadyCheck = func(context.Context) error { return errors.New("db down") }
	h := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	deps, _, _ := testDeps()
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "chatcmpl-test") {
		t.Errorf("body missing response id: %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header missing")
	}
}

func TestChatCompletion_EchoesClientRequestID(t *testing.T) {
	t.Parallel()
	deps, _, _ := testDeps()
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-Request-Id": "client-chosen"})

	if got := rec.Header().Get("X-Request-Id"); got != "client-chosen" {
		t.Errorf("X-Request-Id = %q, want client-chosen", got)
	}
}

func TestChatCompletion_Unauthorized(t *testing.T) {
	t.Parallel()
	deps, _, _ := testDeps()
	deps.Auth = &testutil.FakeAuth{Err: gateway.ErrUnauthorized}
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestChatCompletion_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string // substring of the error message
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model is required"},
		{"no messages", `{"model":"gpt-4o","messages":[]}`, "messages must not be empty"},
		{"bad role", `{"model":"gpt-4o","messages":[{"role":"robot","content":"hi"}]}`, "invalid role"},
		{"temperature range", `{"model":"gpt-4o","temperature":3,"messages":[{"role":"user","content":"hi"}]}`, "temperature"},
		{"top_p range", `{"model":"gpt-4o","top_p":1.5,"messages":[{"role":"user","content":"hi"}]}`, "top_p"},
		{"negative max_tokens", `{"model":"gpt-4o","max_tokens":-5,"messages":[{"role":"user","content":"hi"}]}`, "max_tokens"},
		{"bad reasoning effort", `{"model":"gpt-4o","reasoning_effort":"max","messages":[{"role":"user","content":"hi"}]}`, "reasoning_effort"},
		{"conflicting effort fields", `{"model":"gpt-4o","reasoning_effort":"low","reasoning":{"effort":"high"},"messages":[{"role":"user","content":"hi"}]}`, "mutually exclusive"},
		{"schema required", `{"model":"gpt-4o","response_format":{"type":"json_schema"},"messages":[{"role":"user","content":"hi"}]}`, "schema is required"},
		{"not json", `{"model":`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			deps, _, _ := testDeps()
			h := New(deps)

			rec := postChat(h, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %s, want substring %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestChatCompletion_ModelSplitAndControlHeaders(t *testing.T) {
	t.Parallel()
	deps, router, _ := testDeps()
	h := New(deps)

	rec := postChat(h, `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{
			"x-no-fallback":     "",
			"X-LLMGateway-Team": "search",
			"x-source":          "cli",
		})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	env := router.lastEnv
	if env == nil {
		t.Fatal("router never saw the request")
	}
	if env.RequestedProvider != "openai" || env.RequestedModel != "gpt-4o" {
		t.Errorf("split = %q/%q, want openai/gpt-4o", env.RequestedProvider, env.RequestedModel)
	}
	if !env.NoFallback {
		t.Error("empty-valued x-no-fallback header did not set NoFallback")
	}
	if env.Source != "cli" {
		t.Errorf("Source = %q, want cli", env.Source)
	}
	if got := env.CustomHeaders["team"]; got != "search" {
		t.Errorf("CustomHeaders[team] = %q, want search", got)
	}
}

func TestChatCompletion_WebSearchSynthesizesTool(t *testing.T) {
	t.Parallel()
	deps, router, _ := testDeps()
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","web_search":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if !router.lastEnv.Request.HasWebSearchTool() {
		t.Error("web_search flag did not synthesize a web_search tool")
	}
}

func TestChatCompletion_GuardrailBlocks(t *testing.T) {
	t.Parallel()
	deps, _, _ := testDeps()
	deps.Guardrail = guardrailFunc(func() error {
		return gateway.ErrForbidden
	})
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

type guardrailFunc func() error

func (g guardrailFunc) Apply(context.Context, *gateway.Principal, *gateway.ChatRequest) error {
	return g()
}

func TestChatCompletion_UpstreamClientErrorPassthrough(t *testing.T) {
	t.Parallel()
	deps, _, proxy := testDeps()
	proxy.unaryErr = &gateway.RequestError{
		Kind:       gateway.KindClientErr,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "invalid_parameters",
		Message:    "upstream rejected",
		Body:       `{"error":{"message":"bad schema"}}`,
	}
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if got := rec.Body.String(); !strings.Contains(got, "bad schema") {
		t.Errorf("upstream body not preserved: %s", got)
	}
}

func TestChatCompletion_Stream(t *testing.T) {
	t.Parallel()
	deps, _, proxy := testDeps()
	proxy.streamFn = func(sink stream.Sink) error {
		if err := sink.Send([]byte(`{"choices":[{"delta":{"content":"He"}}]}`), ""); err != nil {
			return err
		}
		if err := sink.Send([]byte(`{"choices":[{"delta":{"content":"llo"}}]}`), ""); err != nil {
			return err
		}
		return sink.Send([]byte("[DONE]"), "")
	}
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"choices":[{"delta":{"content":"He"}}]}`+"\n\n") {
		t.Errorf("first frame missing: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("done sentinel missing: %s", body)
	}
}

func TestChatCompletion_StreamFailureBeforeFirstFrame(t *testing.T) {
	t.Parallel()
	deps, _, proxy := testDeps()
	proxy.streamErr = &gateway.RequestError{
		Kind:       gateway.KindTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "upstream_error",
		Message:    "all providers failed",
	}
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	// No frame was written, so the client gets a plain JSON error.
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestChatCompletion_StreamFailureMidStream(t *testing.T) {
	t.Parallel()
	deps, _, proxy := testDeps()
	proxy.streamFn = func(sink stream.Sink) error {
		if err := sink.Send([]byte(`{"choices":[{"delta":{"content":"He"}}]}`), ""); err != nil {
			return err
		}
		return &gateway.RequestError{
			Kind:       gateway.KindTransient,
			StatusCode: http.StatusBadGateway,
			Code:       "upstream_error",
			Message:    "connection reset",
		}
	}
	h := New(deps)

	rec := postChat(h, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	// The stream already started: the error rides it as an event.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("error event missing: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("done sentinel missing after error: %s", body)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	deps, _, _ := testDeps()
	deps.Catalog = catalog.New([]gateway.ModelDef{
		{ID: "gpt-4o", Family: "openai"},
		{ID: "claude-sonnet-4", Family: "anthropic"},
	})
	h := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer llmgw_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Errorf("resp = %+v, want list of 2", resp)
	}
}

func TestListModels_DevPlanGate(t *testing.T) {
	t.Parallel()
	principal := testutil.NewPrincipal()
	principal.Org.IsPersonal = true
	principal.Org.DevPlan = "dev-basic"

	deps, _, _ := testDeps()
	deps.Auth = &testutil.FakeAuth{Principal: principal}
	deps.Catalog = catalog.New([]gateway.ModelDef{
		{ID: "gpt-4o", Family: "openai"},
	})
	h := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer llmgw_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, m := range resp.Data {
		if m.ID == "gpt-4o" {
			t.Error("non-coding model listed for a dev-plan personal org")
		}
	}
}
