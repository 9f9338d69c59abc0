package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/cache"
	"github.com/llmgateway/llmgateway/internal/cost"
	"github.com/llmgateway/llmgateway/internal/heal"
	"github.com/llmgateway/llmgateway/internal/provider"
	"github.com/llmgateway/llmgateway/internal/routing"
	"github.com/llmgateway/llmgateway/internal/stream"
	"github.com/llmgateway/llmgateway/internal/telemetry"
)

// MaxRetries is the number of additional attempts after the first failure.
const MaxRetries = 3

// Deadline tiers. Streaming requests hold connections open far longer than
// unary ones.
const (
	DefaultUnaryTimeout  = 2 * time.Minute
	DefaultStreamTimeout = 10 * time.Minute
)

// Recorder accepts finished attempt logs, typically batched by a worker.
type Recorder interface {
	Record(*gateway.AttemptLog)
}

// Spender applies usage to the billing state: key usage always, org credits
// when the attempt ran on the env pool.
type Spender interface {
	Spend(orgID, keyID, credential string, amount float64)
}

// Config tunes the orchestrator.
type Config struct {
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
	BillCanceled  bool
	CacheTTL      time.Duration
}

// Deps bundles the orchestrator's collaborators. Metrics may be nil.
type Deps struct {
	Registry   *provider.Registry
	StoredKeys StoredKeys
	EnvPool    EnvPool
	Calc       *cost.Calculator
	Responses  *cache.Responses
	Recorder   Recorder
	Spender    Spender
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Orchestrator executes routed requests against provider adapters.
type Orchestrator struct {
	registry   *provider.Registry
	storedKeys StoredKeys
	envPool    EnvPool
	calc       *cost.Calculator
	responses  *cache.Responses
	recorder   Recorder
	spender    Spender
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	cfg        Config
}

// New returns an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.UnaryTimeout <= 0 {
		cfg.UnaryTimeout = DefaultUnaryTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:   deps.Registry,
		storedKeys: deps.StoredKeys,
		envPool:    deps.EnvPool,
		calc:       deps.Calc,
		responses:  deps.Responses,
		recorder:   deps.Recorder,
		spender:    deps.Spender,
		metrics:    deps.Metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// adapterFor resolves the wire adapter for a mapping. The custom provider
// speaks the OpenAI format and is registered under its own id.
func (o *Orchestrator) adapterFor(mapping *gateway.ProviderMapping) (provider.Adapter, error) {
	a, err := o.registry.Get(mapping.ProviderID)
	if err != nil {
		return nil, &errUnresolvable{fmt.Errorf("%w: %v", gateway.ErrInternal, err)}
	}
	return a, nil
}

// Unary executes a non-streaming request through the retry ladder.
func (o *Orchestrator) Unary(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision) (*gateway.ChatResponse, error) {
	cacheKey := ""
	if principal.Project.CachingEnabled && o.responses != nil {
		cacheKey = cache.Key(decision.Mapping.ProviderID, decision.Model.ID, env.Request)
		if resp, ok := o.responses.GetUnary(ctx, cacheKey); ok {
			if o.metrics != nil {
				o.metrics.CacheHits.Inc()
			}
			o.recordCacheHit(env, principal, decision, resp)
			return resp, nil
		}
		if o.metrics != nil {
			o.metrics.CacheMisses.Inc()
		}
	}

	run := &attemptRun{env: env, principal: principal, decision: decision, streamed: false}

	for _, mapping := range run.candidates() {
		mapping := mapping
		ac, err := o.resolveAttempt(ctx, env, principal, &mapping, decision.Model)
		if err != nil {
			run.noteUnresolvable(&mapping, err)
			continue
		}
		adapter, err := o.adapterFor(&mapping)
		if err != nil {
			run.noteUnresolvable(&mapping, err)
			continue
		}

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, o.cfg.UnaryTimeout)
		actx, endSpan := telemetry.StartAttempt(actx, mapping.ProviderID, decision.Model.ID)
		resp, err := adapter.Complete(actx, ac.attempt)
		endSpan(err)
		cancel()
		duration := time.Since(start)
		if o.metrics != nil {
			o.metrics.UpstreamDuration.WithLabelValues(mapping.ProviderID, decision.Model.ID).Observe(duration.Seconds())
		}

		if err != nil {
			reqErr := asRequestError(err)
			if reqErr.Kind == gateway.KindCanceled {
				o.reportHealth(ac, 0, gateway.ErrorTypeNone)
				o.finishCanceledUnary(run, ac, duration)
				return nil, reqErr
			}
			o.reportHealth(ac, reqErr.HTTPStatus(), reqErr.ErrorType())
			run.noteFailure(o, ac, reqErr, duration)
			if !reqErr.Retryable() || env.NoFallback || run.retriesExhausted() {
				break
			}
			continue
		}

		// A 200 with zero output is an upstream failure, but retrying would
		// re-prompt a model that already answered: surface it instead.
		if reqErr := emptyResponseError(resp); reqErr != nil {
			o.reportHealth(ac, reqErr.HTTPStatus(), reqErr.ErrorType())
			run.noteFailure(o, ac, reqErr, duration)
			break
		}

		o.reportHealth(ac, 0, gateway.ErrorTypeNone)
		return o.finishUnary(ctx, run, ac, resp, duration, cacheKey)
	}

	return nil, run.finalError(o)
}

// emptyResponseError reclassifies a successful response that carries no
// content, reasoning, tool calls, or completion tokens. Content-filter
// finishes are the one legitimate empty shape.
func emptyResponseError(resp *gateway.ChatResponse) *gateway.RequestError {
	if len(resp.Choices) > 0 {
		c := &resp.Choices[0]
		if c.FinishReason == "content_filter" {
			return nil
		}
		switch strings.TrimSpace(string(c.Message.Content)) {
		case "", `""`, "null", "[]":
		default:
			return nil
		}
		if c.Message.ReasoningContent != "" || len(c.Message.ToolCalls) > 0 {
			return nil
		}
	}
	if resp.Usage != nil && resp.Usage.CompletionTokens > 0 {
		return nil
	}
	return &gateway.RequestError{
		Kind:    gateway.KindEmpty,
		Code:    "upstream_error",
		Message: "upstream produced no output",
	}
}

// finishUnary runs cost accounting, healing, logging, and cache store for a
// successful unary attempt.
func (o *Orchestrator) finishUnary(ctx context.Context, run *attemptRun, ac *attemptContext, resp *gateway.ChatResponse, duration time.Duration, cacheKey string) (*gateway.ChatResponse, error) {
	env, principal := run.env, run.principal
	mapping := ac.attempt.Mapping

	var content, reasoning, finishReason string
	var webSearches int
	if len(resp.Choices) > 0 {
		choice := &resp.Choices[0]
		finishReason = choice.FinishReason
		reasoning = choice.Message.ReasoningContent
		webSearches = choice.Message.CountAnnotations()
		if len(choice.Message.Content) > 0 {
			var s string
			if json.Unmarshal(choice.Message.Content, &s) == nil {
				content = s
			}
		}
	}

	var healed *heal.Result
	if wantsHealing(env.Request) && content != "" {
		h := heal.Heal(content)
		healed = &h
		if h.Healed && len(resp.Choices) > 0 {
			ct, _ := json.Marshal(h.Content)
			resp.Choices[0].Message.Content = ct
		}
	}

	breakdown := o.calc.Compute(cost.Inputs{
		Mapping:        mapping,
		Family:         run.decision.Model.Family,
		Usage:          resp.Usage,
		Request:        env.Request,
		OutputText:     content,
		InputImages:    env.Request.CountImages(),
		WebSearchCount: webSearches,
		Retain:         principal.Org.RetentionLevel == gateway.RetentionRetain,
	})
	if resp.Usage == nil {
		resp.Usage = &gateway.Usage{}
	}
	breakdown.FillUsage(resp.Usage)
	o.countTokens(run.decision.Model.ID, &breakdown)

	run.noteSuccess(ac, gateway.ErrorTypeNone)
	resp.Metadata = run.responseMetadata(ac)

	log := o.buildLog(run, ac, &breakdown, duration, finishReason, content, reasoning, healed)
	log.WebSearchCount = webSearches
	if env.DebugMode {
		if raw, err := json.Marshal(resp); err == nil {
			log.RawResponse = gateway.BoundPayload(raw)
		}
	}
	run.flushLogs(o, log)
	o.spender.Spend(principal.Org.ID, principal.Key.ID, ac.credential, breakdown.TotalCost)

	if cacheKey != "" && finishReason != "" {
		o.responses.PutUnary(ctx, cacheKey, resp, o.cacheTTL(principal))
	}
	return resp, nil
}

// finishCanceledUnary accounts a client-aborted unary attempt. The abort is
// not a provider failure: the log carries canceled=true with no error
// attribution, and prompt cost applies only under the cancellation billing
// policy.
func (o *Orchestrator) finishCanceledUnary(run *attemptRun, ac *attemptContext, duration time.Duration) {
	env, principal := run.env, run.principal

	breakdown := o.calc.Compute(cost.Inputs{
		Mapping:      ac.attempt.Mapping,
		Family:       run.decision.Model.Family,
		Request:      env.Request,
		InputImages:  env.Request.CountImages(),
		Retain:       principal.Org.RetentionLevel == gateway.RetentionRetain,
		Canceled:     true,
		BillCanceled: o.cfg.BillCanceled,
	})
	o.countTokens(run.decision.Model.ID, &breakdown)

	log := o.buildLog(run, ac, &breakdown, duration, "", "", "", nil)
	log.Canceled = true
	run.flushLogs(o, log)
	o.spender.Spend(principal.Org.ID, principal.Key.ID, ac.credential, breakdown.TotalCost)
}

// Stream executes a streaming request. Failover is possible only until the
// first byte reaches the client.
func (o *Orchestrator) Stream(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision, sink stream.Sink) error {
	cacheKey := ""
	if principal.Project.CachingEnabled && o.responses != nil {
		cacheKey = cache.Key(decision.Mapping.ProviderID, decision.Model.ID, env.Request)
		if entry, ok := o.responses.GetStream(ctx, cacheKey); ok {
			if o.metrics != nil {
				o.metrics.CacheHits.Inc()
			}
			return o.replayStream(ctx, env, principal, decision, entry, sink)
		}
		if o.metrics != nil {
			o.metrics.CacheMisses.Inc()
		}
	}

	run := &attemptRun{env: env, principal: principal, decision: decision, streamed: true}
	counting := &countingSink{Sink: sink}

	for _, mapping := range run.candidates() {
		mapping := mapping
		ac, err := o.resolveAttempt(ctx, env, principal, &mapping, decision.Model)
		if err != nil {
			run.noteUnresolvable(&mapping, err)
			continue
		}
		adapter, err := o.adapterFor(&mapping)
		if err != nil {
			run.noteUnresolvable(&mapping, err)
			continue
		}

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, o.cfg.StreamTimeout)
		actx, endSpan := telemetry.StartAttempt(actx, mapping.ProviderID, decision.Model.ID)
		chunks, err := adapter.Stream(actx, ac.attempt)
		if err != nil {
			endSpan(err)
			cancel()
			reqErr := asRequestError(err)
			o.reportHealth(ac, reqErr.HTTPStatus(), reqErr.ErrorType())
			run.noteFailure(o, ac, reqErr, time.Since(start))
			if !reqErr.Retryable() || env.NoFallback || run.retriesExhausted() {
				break
			}
			continue
		}

		var recorder *cache.StreamRecorder
		if cacheKey != "" {
			recorder = cache.NewStreamRecorder(decision.Model.ID, mapping.ProviderID)
		}
		res := stream.Run(actx, chunks, counting, stream.Options{
			ChunkID:  "chatcmpl-" + env.RequestID,
			Model:    decision.Model.ID,
			HealJSON: wantsHealing(env.Request),
			EstimateUsage: func(acc *stream.Accumulator) *gateway.Usage {
				return o.calc.EstimateUsage(decision.Model.Family, env.Request, acc.CombinedOutput())
			},
			Recorder: recorder,
		})
		endSpan(res.Err)
		cancel()
		duration := time.Since(start)
		if o.metrics != nil {
			o.metrics.UpstreamDuration.WithLabelValues(mapping.ProviderID, decision.Model.ID).Observe(duration.Seconds())
		}

		if res.Err != nil && !res.Canceled {
			reqErr := asRequestError(res.Err)
			o.reportHealth(ac, reqErr.HTTPStatus(), reqErr.ErrorType())
			run.noteFailure(o, ac, reqErr, duration)
			if counting.sent == 0 && reqErr.Retryable() && !env.NoFallback && !run.retriesExhausted() {
				continue
			}
			run.flushOrphans(o)
			return reqErr
		}

		o.reportHealth(ac, 0, gateway.ErrorTypeNone)
		o.finishStream(ctx, run, ac, res, duration, cacheKey, recorder)
		if res.Canceled {
			return res.Err
		}
		return nil
	}

	return run.finalError(o)
}

// finishStream runs post-stream accounting and logging; the client already
// has the bytes.
func (o *Orchestrator) finishStream(ctx context.Context, run *attemptRun, ac *attemptContext, res *stream.Result, duration time.Duration, cacheKey string, recorder *cache.StreamRecorder) {
	env, principal := run.env, run.principal
	acc := res.Acc

	breakdown := o.calc.Compute(cost.Inputs{
		Mapping:        ac.attempt.Mapping,
		Family:         run.decision.Model.Family,
		Usage:          acc.Usage,
		Request:        env.Request,
		OutputText:     acc.Text(),
		InputImages:    env.Request.CountImages(),
		WebSearchCount: acc.WebSearchCount,
		Retain:         principal.Org.RetentionLevel == gateway.RetentionRetain,
		Canceled:       res.Canceled,
		BillCanceled:   o.cfg.BillCanceled,
	})
	o.countTokens(run.decision.Model.ID, &breakdown)
	if o.metrics != nil && acc.TTFT() > 0 {
		o.metrics.TimeToFirstToken.WithLabelValues(ac.attempt.Mapping.ProviderID, run.decision.Model.ID).Observe(acc.TTFT().Seconds())
	}

	run.noteSuccess(ac, gateway.ErrorTypeNone)
	log := o.buildLog(run, ac, &breakdown, duration, acc.FinishReason, acc.Text(), acc.Reasoning(), res.Healed)
	log.Streamed = true
	log.Canceled = res.Canceled
	log.EstimatedCost = log.EstimatedCost || res.UsageEstimated
	log.TTFTMs = acc.TTFT().Milliseconds()
	log.TTRTMs = acc.TTRT().Milliseconds()
	log.WebSearchCount = acc.WebSearchCount
	if tcs := acc.ToolCalls(); len(tcs) > 0 {
		log.ToolResults, _ = json.Marshal(tcs)
	}
	run.flushLogs(o, log)
	o.spender.Spend(principal.Org.ID, principal.Key.ID, ac.credential, breakdown.TotalCost)

	if recorder != nil && !res.Canceled && res.Err == nil {
		if entry := recorder.Finish(acc.FinishReason); entry != nil {
			o.responses.PutStream(ctx, cacheKey, entry, o.cacheTTL(principal))
		}
	}
}

// replayStream serves a cached stream recording with its original pacing.
// Totals are rebuilt from the recorded chunks so the log carries the real
// numbers, but nothing is billed: no upstream attempt happened.
func (o *Orchestrator) replayStream(ctx context.Context, env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision, entry *cache.StreamEntry, sink stream.Sink) error {
	acc := stream.NewAccumulator(time.Now())
	err := entry.Replay(ctx, func(c cache.StreamChunk) error {
		acc.Observe([]byte(c.Data))
		return sink.Send([]byte(c.Data), c.Event)
	})
	if err == nil {
		err = sink.Send([]byte("[DONE]"), "done")
	}

	log := o.newLog(env, principal, decision)
	log.UsedProvider = entry.Meta.Provider
	log.UsedModel = entry.Meta.Model
	log.NativeModel = decision.Mapping.ModelName
	log.Streamed = true
	log.Cached = true
	log.FinishReason = entry.Meta.FinishReason
	log.Canceled = err != nil
	log.WebSearchCount = acc.WebSearchCount

	b := o.calc.Compute(cost.Inputs{
		Mapping:        &decision.Mapping,
		Family:         decision.Model.Family,
		Usage:          acc.Usage,
		Request:        env.Request,
		OutputText:     acc.Text(),
		WebSearchCount: acc.WebSearchCount,
	})
	fillLogCosts(log, &b)
	if principal.Org.RetentionLevel == gateway.RetentionRetain {
		log.Content = acc.Text()
		log.ReasoningContent = acc.Reasoning()
	}
	o.recorder.Record(log)
	return err
}

// recordCacheHit logs a unary cache hit. Costs are recomputed so analytics
// see what the response was worth, but nothing is billed.
func (o *Orchestrator) recordCacheHit(env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision, resp *gateway.ChatResponse) {
	log := o.newLog(env, principal, decision)
	log.UsedProvider = decision.Mapping.ProviderID
	log.UsedModel = decision.Model.ID
	log.NativeModel = decision.Mapping.ModelName
	log.Cached = true

	var content string
	if len(resp.Choices) > 0 {
		log.FinishReason = resp.Choices[0].FinishReason
		var s string
		if json.Unmarshal(resp.Choices[0].Message.Content, &s) == nil {
			content = s
		}
	}
	b := o.calc.Compute(cost.Inputs{
		Mapping:    &decision.Mapping,
		Family:     decision.Model.Family,
		Usage:      resp.Usage,
		Request:    env.Request,
		OutputText: content,
	})
	fillLogCosts(log, &b)
	if principal.Org.RetentionLevel == gateway.RetentionRetain {
		log.Content = content
	}
	o.recorder.Record(log)
}

// newLog seeds an attempt log with request identity.
func (o *Orchestrator) newLog(env *gateway.Envelope, principal *gateway.Principal, decision *routing.Decision) *gateway.AttemptLog {
	req := env.Request
	log := &gateway.AttemptLog{
		ID:                uuid.Must(uuid.NewV7()).String(),
		RequestID:         env.RequestID,
		KeyID:             principal.Key.ID,
		ProjectID:         principal.Project.ID,
		OrgID:             principal.Org.ID,
		RequestedModel:    env.RequestedModel,
		RequestedProvider: env.RequestedProvider,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		MaxTokens:         req.MaxTokens,
		FrequencyPenalty:  req.FrequencyPenalty,
		PresencePenalty:   req.PresencePenalty,
		ReasoningEffort:   req.EffectiveReasoningEffort(),
		Source:            env.Source,
		UserAgent:         env.UserAgent,
		CustomHeaders:     env.CustomHeaders,
		CreatedAt:         time.Now(),
	}
	for _, p := range req.Plugins {
		log.Plugins = append(log.Plugins, p.ID)
	}
	if decision != nil && decision.Metadata != nil {
		log.RoutingMetadata, _ = json.Marshal(decision.Metadata)
	}
	if env.DebugMode && len(env.RawBody) > 0 {
		log.RawRequest = gateway.BoundPayload(env.RawBody)
	}
	return log
}

// buildLog assembles the attempt log for a finished attempt.
func (o *Orchestrator) buildLog(run *attemptRun, ac *attemptContext, b *cost.Breakdown, duration time.Duration, finishReason, content, reasoning string, healed *heal.Result) *gateway.AttemptLog {
	log := o.newLog(run.env, run.principal, run.decision)
	log.UsedProvider = ac.attempt.Mapping.ProviderID
	log.UsedModel = run.decision.Model.ID
	log.NativeModel = ac.attempt.Native
	log.Streamed = run.streamed
	log.FinishReason = finishReason
	log.DurationMs = duration.Milliseconds()
	fillLogCosts(log, b)

	if run.principal.Org.RetentionLevel == gateway.RetentionRetain {
		log.Content = content
		log.ReasoningContent = reasoning
	}
	if healed != nil {
		log.PluginResults, _ = json.Marshal(map[string]any{gateway.PluginResponseHealing: healed})
	}
	return log
}

// fillLogCosts copies a cost breakdown into an attempt log.
func fillLogCosts(log *gateway.AttemptLog, b *cost.Breakdown) {
	log.PromptTokens = b.PromptTokens
	log.CompletionTokens = b.CompletionTokens
	log.TotalTokens = b.PromptTokens + b.CompletionTokens
	log.CachedTokens = b.CachedTokens
	log.CostTotal = b.TotalCost
	log.CostInput = b.InputCost
	log.CostOutput = b.OutputCost
	log.CostCachedInput = b.CachedInputCost
	log.CostRequest = b.RequestCost
	log.CostWebSearch = b.WebSearchCost
	log.CostImageInput = b.ImageInputCost
	log.CostImageOutput = b.ImageOutputCost
	log.CostDataStorage = b.DataStorageCost
	log.EstimatedCost = b.EstimatedCost
	log.Discount = b.Discount
}

func (o *Orchestrator) countTokens(model string, b *cost.Breakdown) {
	if o.metrics == nil {
		return
	}
	o.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(b.PromptTokens))
	o.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(b.CompletionTokens))
}

func (o *Orchestrator) cacheTTL(principal *gateway.Principal) time.Duration {
	if principal.Project.CacheTTLs > 0 {
		return time.Duration(principal.Project.CacheTTLs) * time.Second
	}
	if o.cfg.CacheTTL > 0 {
		return o.cfg.CacheTTL
	}
	return 5 * time.Minute
}

// reportHealth fires a key-health report for env-pool attempts.
func (o *Orchestrator) reportHealth(ac *attemptContext, status int, errorType string) {
	if ac.credential != credentialEnv {
		return
	}
	o.envPool.Report(ac.attempt.Mapping.ProviderID, ac.token, status, errorType)
}

// wantsHealing reports whether the response-healing plugin applies: it must
// be requested and the response format must demand JSON.
func wantsHealing(req *gateway.ChatRequest) bool {
	if req.ResponseFormat == nil ||
		(req.ResponseFormat.Type != "json_object" && req.ResponseFormat.Type != "json_schema") {
		return false
	}
	for _, p := range req.Plugins {
		if p.ID == gateway.PluginResponseHealing {
			return true
		}
	}
	return false
}

// asRequestError normalizes any failure into the tagged request error.
// Sentinel-wrapped pre-dispatch failures keep their kind so the boundary maps
// them to the right status instead of a generic upstream error.
func asRequestError(err error) *gateway.RequestError {
	var reqErr *gateway.RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &gateway.RequestError{Kind: gateway.KindTimeout, Code: "upstream_timeout", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &gateway.RequestError{Kind: gateway.KindCanceled, Code: "request_canceled", Message: err.Error()}
	case errors.Is(err, gateway.ErrPaymentRequired):
		return &gateway.RequestError{Kind: gateway.KindQuota, Code: "insufficient_credits", Message: err.Error()}
	case errors.Is(err, gateway.ErrBadRequest):
		return &gateway.RequestError{Kind: gateway.KindValidation, Code: "invalid_request", Message: err.Error()}
	case errors.Is(err, gateway.ErrInternal):
		return &gateway.RequestError{Kind: gateway.KindInternal, Code: "internal_error", Message: err.Error()}
	default:
		return &gateway.RequestError{Kind: gateway.KindTransient, Code: "upstream_error", Message: err.Error()}
	}
}
