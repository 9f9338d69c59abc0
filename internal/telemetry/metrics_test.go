package telemetry

import (
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewMetrics_AllCollectorsSet walks the struct fields so that adding a
// collector without initializing it fails the test without edits here.
func TestNewMetrics_AllCollectorsSet(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewPedanticRegistry())

	v := reflect.ValueOf(*m)
	for i := range v.NumField() {
		if v.Field(i).IsNil() {
			t.Errorf("collector %s is nil", v.Type().Field(i).Name)
		}
	}
}

func TestMetrics_GatherAfterUse(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Touch every collector once so Gather sees each family.
	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)
	m.ActiveRequests.Set(3)
	m.UpstreamDuration.WithLabelValues("openai", "gpt-5-nano").Observe(0.8)
	m.UpstreamErrors.WithLabelValues("openai", "rate_limit").Inc()
	m.UpstreamRetries.WithLabelValues("openai").Inc()
	m.TimeToFirstToken.WithLabelValues("openai", "gpt-5-nano").Observe(0.45)
	m.CacheHits.Inc()
	m.CacheMisses.Inc()
	m.GuardrailBlocks.Inc()
	m.TokensProcessed.WithLabelValues("gpt-5-nano", "input").Add(120)
	m.LogQueueLength.Set(7)
	m.LogRecordsDropped.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := make(map[string]bool, len(families))
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "llmgw_") {
			t.Errorf("family %q escapes the llmgw namespace", f.GetName())
		}
		got[f.GetName()] = true
	}

	want := []string{
		"llmgw_requests_total",
		"llmgw_request_duration_seconds",
		"llmgw_active_requests",
		"llmgw_upstream_duration_seconds",
		"llmgw_upstream_errors_total",
		"llmgw_upstream_retries_total",
		"llmgw_time_to_first_token_seconds",
		"llmgw_cache_hits_total",
		"llmgw_cache_misses_total",
		"llmgw_guardrail_blocks_total",
		"llmgw_tokens_processed_total",
		"llmgw_log_queue_length",
		"llmgw_log_records_dropped_total",
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("family %q missing from gather output", name)
		}
	}
	if len(got) != len(want) {
		t.Errorf("gathered %d families, want %d", len(got), len(want))
	}
}

// SetupTracing needs a live OTLP collector over gRPC; covered by the
// integration environment rather than unit tests.
