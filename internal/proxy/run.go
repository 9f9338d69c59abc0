package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/routing"
	"github.com/llmgateway/llmgateway/internal/stream"
)

// attemptRun tracks retry-ladder state across the attempts of one request.
type attemptRun struct {
	env       *gateway.Envelope
	principal *gateway.Principal
	decision  *routing.Decision
	streamed  bool

	retries    int
	lastErr    *gateway.RequestError
	failedLogs []*gateway.AttemptLog
}

// candidates returns the retry candidates in score order.
func (r *attemptRun) candidates() []gateway.ProviderMapping {
	return r.decision.Eligible
}

// metadata returns the shared routing metadata, enriched per attempt.
func (r *attemptRun) metadata() *gateway.RoutingMetadata {
	return r.decision.Metadata
}

// retriesExhausted reports whether another upstream attempt is allowed.
func (r *attemptRun) retriesExhausted() bool {
	return r.retries >= MaxRetries
}

// noteUnresolvable records a context-resolution failure. It marks the
// candidate failed in the metadata but consumes no retry slot.
func (r *attemptRun) noteUnresolvable(mapping *gateway.ProviderMapping, err error) {
	r.lastErr = asRequestError(unwrapUnresolvable(err))
	md := r.metadata()
	md.MarkFailed(mapping.ProviderID, 0, gateway.ErrorTypeOther)
	md.Routing = append(md.Routing, gateway.AttemptRecord{
		Provider:  mapping.ProviderID,
		Model:     r.modelID(),
		ErrorType: gateway.ErrorTypeOther,
	})
}

// noteFailure records a dispatched attempt that failed and consumes a retry
// slot. The failed attempt's log is held back until the final log id is
// known, so the parent/child linkage can be written.
func (r *attemptRun) noteFailure(o *Orchestrator, ac *attemptContext, reqErr *gateway.RequestError, duration time.Duration) {
	r.retries++
	r.lastErr = reqErr

	o.logger.LogAttrs(context.Background(), slog.LevelWarn, "provider attempt failed",
		slog.String("request_id", r.env.RequestID),
		slog.String("provider", ac.attempt.Mapping.ProviderID),
		slog.String("model", r.modelID()),
		slog.Int("status", reqErr.HTTPStatus()),
		slog.String("error_type", reqErr.ErrorType()),
	)
	if o.metrics != nil {
		o.metrics.UpstreamErrors.WithLabelValues(ac.attempt.Mapping.ProviderID, reqErr.ErrorType()).Inc()
		o.metrics.UpstreamRetries.WithLabelValues(ac.attempt.Mapping.ProviderID).Inc()
	}

	md := r.metadata()
	md.MarkFailed(ac.attempt.Mapping.ProviderID, reqErr.HTTPStatus(), reqErr.ErrorType())
	md.Routing = append(md.Routing, gateway.AttemptRecord{
		Provider:   ac.attempt.Mapping.ProviderID,
		Model:      r.modelID(),
		StatusCode: reqErr.HTTPStatus(),
		ErrorType:  reqErr.ErrorType(),
	})

	log := o.newLog(r.env, r.principal, nil)
	log.UsedProvider = ac.attempt.Mapping.ProviderID
	log.UsedModel = r.modelID()
	log.NativeModel = ac.attempt.Native
	log.Streamed = r.streamed
	log.DurationMs = duration.Milliseconds()
	log.HasError = true
	log.ErrorDetails = reqErr.Error()
	r.failedLogs = append(r.failedLogs, log)
}

// noteSuccess records the winning attempt in the routing trail.
func (r *attemptRun) noteSuccess(ac *attemptContext, errorType string) {
	md := r.metadata()
	md.Routing = append(md.Routing, gateway.AttemptRecord{
		Provider:  ac.attempt.Mapping.ProviderID,
		Model:     r.modelID(),
		ErrorType: errorType,
		Succeeded: true,
	})
}

// flushLogs records the final log and links every held-back failed attempt
// to it.
func (r *attemptRun) flushLogs(o *Orchestrator, final *gateway.AttemptLog) {
	for _, fl := range r.failedLogs {
		fl.Retried = true
		fl.RetriedByLogID = final.ID
		o.recorder.Record(fl)
	}
	r.failedLogs = nil
	o.recorder.Record(final)
}

// flushOrphans records held-back failed logs when no final success log will
// follow to link them.
func (r *attemptRun) flushOrphans(o *Orchestrator) {
	for _, fl := range r.failedLogs {
		o.recorder.Record(fl)
	}
	r.failedLogs = nil
}

// finalError reports the terminal failure after the ladder is exhausted,
// records the orphaned failed-attempt logs, and maps generic exhaustion to
// the all-providers-failed cause.
func (r *attemptRun) finalError(o *Orchestrator) error {
	r.flushOrphans(o)

	if r.lastErr == nil {
		return &gateway.RequestError{
			Kind:    gateway.KindInternal,
			Code:    "all_providers_failed",
			Message: "no provider candidate could be attempted",
		}
	}
	if r.lastErr.Kind == gateway.KindTimeout {
		return r.lastErr
	}
	if r.retries > 0 && r.lastErr.Retryable() {
		return &gateway.RequestError{
			Kind:       gateway.KindTransient,
			StatusCode: r.lastErr.StatusCode,
			Code:       "all_providers_failed",
			Message:    "all provider attempts failed; last error: " + r.lastErr.Message,
			Body:       r.lastErr.Body,
		}
	}
	return r.lastErr
}

// responseMetadata builds the client-visible routing metadata.
func (r *attemptRun) responseMetadata(ac *attemptContext) *gateway.ResponseMetadata {
	md := r.metadata()
	return &gateway.ResponseMetadata{
		RequestedModel:      r.env.RequestedModel,
		RequestedProvider:   r.env.RequestedProvider,
		UsedModel:           r.modelID(),
		UsedProvider:        ac.attempt.Mapping.ProviderID,
		UnderlyingUsedModel: ac.attempt.Native,
		Routing:             md.Routing,
	}
}

func (r *attemptRun) modelID() string {
	return r.decision.Model.ID
}

func unwrapUnresolvable(err error) error {
	var ue *errUnresolvable
	if errors.As(err, &ue) {
		return ue.err
	}
	return err
}

// countingSink wraps a sink and counts delivered events, deciding whether
// mid-stream failover is still safe.
type countingSink struct {
	stream.Sink
	sent int
}

func (c *countingSink) Send(data []byte, event string) error {
	if err := c.Sink.Send(data, event); err != nil {
		return err
	}
	c.sent++
	return nil
}
