package keypool

import (
	"errors"
	"testing"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv(t *testing.T) {
	t.Parallel()
	pool := FromEnv([]string{"openai", "anthropic", "google", "openai-responses"}, envFrom(map[string]string{
		"OPENAI_API_KEY":           "sk-0",
		"OPENAI_API_KEY_1":         "sk-1",
		"ANTHROPIC_API_KEY":        "ant-0",
		"OPENAI_RESPONSES_API_KEY": "resp-0",
	}))

	if !pool.Has("openai") || !pool.Has("anthropic") {
		t.Error("providers with env keys missing from pool")
	}
	if pool.Has("google") {
		t.Error("provider without env keys present in pool")
	}
	// Dashes map to underscores in the variable name.
	if !pool.Has("openai-responses") {
		t.Error("dashed provider id not resolved")
	}
	if got := len(pool.Providers()); got != 3 {
		t.Errorf("Providers() len = %d, want 3", got)
	}
}

func TestFromEnv_NumberedVariantOnly(t *testing.T) {
	t.Parallel()
	pool := FromEnv([]string{"mistral"}, envFrom(map[string]string{
		"MISTRAL_API_KEY_2": "m-2",
	}))
	if !pool.Has("mistral") {
		t.Fatal("numbered-only provider missing")
	}
	got, err := pool.Get("mistral")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "m-2" {
		t.Errorf("Get = %q, want m-2", got)
	}
}

func TestPool_GetRoundRobin(t *testing.T) {
	t.Parallel()
	pool := FromEnv([]string{"openai"}, envFrom(map[string]string{
		"OPENAI_API_KEY":   "k1",
		"OPENAI_API_KEY_1": "k2",
	}))

	seen := make(map[string]int)
	for range 4 {
		v, err := pool.Get("openai")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		seen[v]++
	}
	if seen["k1"] != 2 || seen["k2"] != 2 {
		t.Errorf("distribution = %v, want 2/2", seen)
	}
}

func TestPool_GetUnknownProvider(t *testing.T) {
	t.Parallel()
	pool := FromEnv(nil, envFrom(nil))
	_, err := pool.Get("nope")
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestPool_UnhealthyTokenRotatesOut(t *testing.T) {
	t.Parallel()
	pool := FromEnv([]string{"openai"}, envFrom(map[string]string{
		"OPENAI_API_KEY":   "bad",
		"OPENAI_API_KEY_1": "good",
	}))

	// Five auth failures trip the health threshold and start the cooldown.
	for range 5 {
		pool.Report("openai", "bad", 401, gateway.ErrorTypeClientError)
	}

	for i := range 4 {
		v, err := pool.Get("openai")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if v != "good" {
			t.Errorf("Get #%d = %q, want good while bad is cooling down", i, v)
		}
	}
}

func TestPool_ContentFilterDoesNotImplicateToken(t *testing.T) {
	t.Parallel()
	pool := FromEnv([]string{"openai"}, envFrom(map[string]string{
		"OPENAI_API_KEY": "only",
	}))

	for range 10 {
		pool.Report("openai", "only", 400, gateway.ErrorTypeContentFilter)
	}

	tok := pool.providers["openai"].tokens[0]
	if !tok.healthy(time.Now()) {
		t.Error("token unhealthy after content-filter reports")
	}
}

func TestPool_SuccessReportsKeepTokenHealthy(t *testing.T) {
	t.Parallel()
	pool := FromEnv([]string{"openai"}, envFrom(map[string]string{
		"OPENAI_API_KEY": "only",
	}))

	for range 20 {
		pool.Report("openai", "only", 200, gateway.ErrorTypeNone)
	}
	tok := pool.providers["openai"].tokens[0]
	if !tok.healthy(time.Now()) {
		t.Error("token unhealthy after success reports")
	}
}

func TestPool_AllUnhealthyStillServes(t *testing.T) {
	t.Parallel()
	pool := FromEnv([]string{"openai"}, envFrom(map[string]string{
		"OPENAI_API_KEY": "only",
	}))

	for range 5 {
		pool.Report("openai", "only", 429, gateway.ErrorTypeRateLimit)
	}

	v, err := pool.Get("openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "only" {
		t.Errorf("Get = %q, want the sole token despite cooldown", v)
	}
}

func TestPool_AddStatic(t *testing.T) {
	t.Parallel()
	pool := FromEnv(nil, envFrom(nil))
	pool.AddStatic("anthropic-vertex", "cloud")

	if !pool.Has("anthropic-vertex") {
		t.Fatal("static provider missing")
	}
	v, err := pool.Get("anthropic-vertex")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "cloud" {
		t.Errorf("Get = %q, want cloud", v)
	}
}

func TestErrorWeight(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status    int
		errorType string
		want      float64
	}{
		{200, gateway.ErrorTypeNone, 0},
		{401, gateway.ErrorTypeClientError, 1},
		{403, gateway.ErrorTypeClientError, 1},
		{429, gateway.ErrorTypeRateLimit, 1},
		{500, gateway.ErrorTypeServerError, 0.5},
		{503, gateway.ErrorTypeServerError, 0.5},
		{0, gateway.ErrorTypeTimeout, 0.5},
		{404, gateway.ErrorTypeClientError, 0},
	}
	for _, tt := range tests {
		if got := errorWeight(tt.status, tt.errorType); got != tt.want {
			t.Errorf("errorWeight(%d, %s) = %v, want %v", tt.status, tt.errorType, got, tt.want)
		}
	}
}

func TestSlidingWindow_ErrorRate(t *testing.T) {
	t.Parallel()
	w := newSlidingWindow(60)
	base := time.Unix(1_700_000_000, 0)

	w.record(1, base)
	w.record(0, base.Add(time.Second))
	w.record(0, base.Add(2*time.Second))
	w.record(1, base.Add(3*time.Second))

	rate, samples := w.errorRate(base.Add(3 * time.Second))
	if samples != 4 {
		t.Fatalf("samples = %d, want 4", samples)
	}
	if rate != 0.5 {
		t.Errorf("rate = %v, want 0.5", rate)
	}
}

func TestSlidingWindow_StaleBucketsExpire(t *testing.T) {
	t.Parallel()
	w := newSlidingWindow(60)
	base := time.Unix(1_700_000_000, 0)

	for i := range 5 {
		w.record(1, base.Add(time.Duration(i)*time.Second))
	}

	// After the full window passes, old samples are gone.
	rate, samples := w.errorRate(base.Add(90 * time.Second))
	if samples != 0 {
		t.Errorf("samples = %d, want 0 after window expiry", samples)
	}
	if rate != 0 {
		t.Errorf("rate = %v, want 0", rate)
	}
}
