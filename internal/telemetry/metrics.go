// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	UpstreamRetries   *prometheus.CounterVec
	TimeToFirstToken  *prometheus.HistogramVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	GuardrailBlocks   prometheus.Counter
	TokensProcessed   *prometheus.CounterVec
	LogQueueLength    prometheus.Gauge
	LogRecordsDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmgw",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmgw",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmgw",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "kind"}),

		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "upstream_retries_total",
			Help:      "Total fallback retries after a failed attempt.",
		}, []string{"provider"}),

		TimeToFirstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmgw",
			Name:                            "time_to_first_token_seconds",
			Help:                            "Streaming time to first token in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		GuardrailBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "guardrail_blocks_total",
			Help:      "Total requests blocked by the guardrail service.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		LogQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmgw",
			Name:      "log_queue_length",
			Help:      "Current number of queued attempt log records.",
		}),

		LogRecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgw",
			Name:      "log_records_dropped_total",
			Help:      "Attempt log records dropped due to a full queue.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.UpstreamRetries,
		m.TimeToFirstToken,
		m.CacheHits,
		m.CacheMisses,
		m.GuardrailBlocks,
		m.TokensProcessed,
		m.LogQueueLength,
		m.LogRecordsDropped,
	)

	return m
}
