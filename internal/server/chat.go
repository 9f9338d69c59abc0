package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/auth"
	"github.com/llmgateway/llmgateway/internal/routing"
	"github.com/llmgateway/llmgateway/internal/stream"
)

// maxRequestBody caps chat completion bodies. Large enough for pro-plan
// image payloads plus base64 and JSON overhead.
const maxRequestBody = 150 << 20

// bodyPool recycles read buffers across requests.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// customHeaderPrefix is the canonical MIME form of X-LLMGateway-*. Incoming
// header keys are canonicalized by net/http, so one prefix match suffices.
const customHeaderPrefix = "X-Llmgateway-"

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	env, ok := s.normalizeRequest(w, r)
	if !ok {
		return
	}
	principal := gateway.PrincipalFromContext(r.Context())

	if err := auth.AuthorizeModel(principal, env.RequestedModel); err != nil {
		writeErrorFor(w, err)
		return
	}

	if s.deps.Guardrail != nil {
		if err := s.deps.Guardrail.Apply(r.Context(), principal, env.Request); err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.GuardrailBlocks.Inc()
			}
			writeErrorFor(w, err)
			return
		}
	}

	decision, err := s.deps.Router.Route(r.Context(), env, principal)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	if env.Request.Stream {
		s.streamChatCompletion(w, r, env, principal, decision)
		return
	}

	resp, err := s.deps.Proxy.Unary(r.Context(), env, principal, decision)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChatCompletion runs the SSE path. Failures before the first frame
// fall back to a plain JSON error; once the stream has started the error
// rides it as an "error" event followed by the done sentinel.
func (s *server) streamChatCompletion(w http.ResponseWriter, r *http.Request, env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "connection does not support streaming", "internal_error")
		return
	}
	sink := newSSESink(w, flusher)

	err := s.deps.Proxy.Stream(r.Context(), env, principal, decision, sink)
	if err == nil || stream.ErrIsCancel(err) {
		// Cancellation frames were already written by the pipeline.
		return
	}
	if sink.started {
		sink.sendError(err)
		return
	}
	writeErrorFor(w, err)
}

// normalizeRequest parses and validates the body, extracts the control
// headers, and assembles the immutable request envelope. On failure it writes
// the error response itself and reports ok=false.
func (s *server) normalizeRequest(w http.ResponseWriter, r *http.Request) (*gateway.Envelope, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error(), "invalid_json")
		return nil, false
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)

	var req gateway.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_json")
		return nil, false
	}

	principal := gateway.PrincipalFromContext(r.Context())
	if err := validateRequest(&req, principal, s.deps.Policy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_parameters")
		return nil, false
	}

	// web_search=true without the tool synthesizes one so the capability
	// filter and the provider translators see a single form.
	if req.WebSearch && !req.HasWebSearchTool() {
		req.Tools = append(req.Tools, gateway.Tool{Type: "web_search"})
	}

	providerID, model := gateway.SplitModel(req.Model)

	env := &gateway.Envelope{
		RequestID:         gateway.RequestIDFromContext(r.Context()),
		RequestedProvider: providerID,
		RequestedModel:    model,
		Request:           &req,
		Source:            r.Header.Get("x-source"),
		UserAgent:         r.UserAgent(),
		NoFallback:        headerFlag(r, "x-no-fallback"),
		DebugMode:         s.deps.Policy.ForceDebug || headerFlag(r, "x-debug"),
		CustomHeaders:     customHeaders(r.Header),
		ReceivedAt:        time.Now(),
	}
	if env.DebugMode {
		env.RawBody = body
	}
	return env, true
}

var validEfforts = map[string]bool{
	"none": true, "minimal": true, "low": true, "medium": true, "high": true,
}

var validRoles = map[string]bool{
	"system": true, "user": true, "assistant": true, "tool": true, "developer": true,
}

// validateRequest applies the schema checks that precede any routing work.
// Error text becomes the client-visible invalid_parameters message.
func validateRequest(req *gateway.ChatRequest, principal *gateway.Principal, policy Policy) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return fmt.Errorf("frequency_penalty must be between -2 and 2")
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return fmt.Errorf("presence_penalty must be between -2 and 2")
	}
	if req.ReasoningEffort != "" && req.Reasoning != nil && req.Reasoning.Effort != "" {
		return fmt.Errorf("reasoning_effort and reasoning.effort are mutually exclusive")
	}
	if req.ReasoningEffort != "" && !validEfforts[req.ReasoningEffort] {
		return fmt.Errorf("invalid reasoning_effort %q", req.ReasoningEffort)
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" && !validEfforts[req.Reasoning.Effort] {
		return fmt.Errorf("invalid reasoning.effort %q", req.Reasoning.Effort)
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "", "text", "json_object":
		case "json_schema":
			if len(rf.Schema) == 0 {
				return fmt.Errorf("response_format.schema is required for json_schema")
			}
		default:
			return fmt.Errorf("invalid response_format.type %q", rf.Type)
		}
	}
	if limit := imageLimitBytes(principal, policy); limit > 0 {
		if size := imagePayloadBytes(req); size > limit {
			return fmt.Errorf("image payload of %d bytes exceeds the %d MB plan limit",
				size, limit>>20)
		}
	}
	return nil
}

// imageLimitBytes returns the plan-dependent cap on total image payload
// bytes, or 0 when unset.
func imageLimitBytes(principal *gateway.Principal, policy Policy) int {
	mb := policy.ImageLimitProMB
	if principal != nil && principal.Org.Plan == "free" {
		mb = policy.ImageLimitFreeMB
	}
	return mb << 20
}

// imagePayloadBytes sums the encoded size of inline image parts. Remote URLs
// contribute only their length; the upstream enforces its own fetch limits.
func imagePayloadBytes(req *gateway.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		trimmed := strings.TrimSpace(string(m.Content))
		if len(trimmed) == 0 || trimmed[0] != '[' {
			continue
		}
		var parts []struct {
			Type     string `json:"type"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		}
		if json.Unmarshal(m.Content, &parts) != nil {
			continue
		}
		for _, p := range parts {
			if p.Type == "image_url" || p.Type == "input_image" {
				total += len(p.ImageURL.URL)
			}
		}
	}
	return total
}

// headerFlag reports whether a boolean control header is set. An empty value
// ("x-no-fallback:" with no text) still counts as set.
func headerFlag(r *http.Request, name string) bool {
	v, ok := r.Header[http.CanonicalHeaderKey(name)]
	if !ok {
		return false
	}
	if len(v) == 0 || v[0] == "" {
		return true
	}
	switch strings.ToLower(v[0]) {
	case "0", "false", "no":
		return false
	}
	return true
}

// customHeaders collects the X-LLMGateway-* headers forwarded into attempt
// logs. Returns nil when none are present so the envelope stays allocation
// free on the common path.
func customHeaders(h http.Header) map[string]string {
	var out map[string]string
	for key, vals := range h {
		if !strings.HasPrefix(key, customHeaderPrefix) || len(vals) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string, 4)
		}
		out[strings.ToLower(strings.TrimPrefix(key, customHeaderPrefix))] = vals[0]
	}
	return out
}
