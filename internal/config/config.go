// Package config handles YAML configuration loading with environment
// variable expansion and database bootstrapping.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	Policy    PolicyConfig    `yaml:"policy"`
	Providers []ProviderEntry `yaml:"providers"`
	Models    []ModelEntry    `yaml:"models"`

	// Seed entities created on first run.
	Organizations []OrgEntry     `yaml:"organizations"`
	Projects      []ProjectEntry `yaml:"projects"`
	Keys          []KeyEntry     `yaml:"keys"`
}

// ServerConfig holds HTTP server settings. WriteTimeout 0 leaves streaming
// responses unbounded; per-request deadlines come from the policy tiers.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// GuardrailConfig points at the external content-check service used for
// enterprise organizations.
type GuardrailConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// PolicyConfig holds global request-handling policy. Every field has an
// environment override applied after YAML parsing.
type PolicyConfig struct {
	UnaryTimeout       time.Duration `yaml:"unary_timeout"`
	StreamTimeout      time.Duration `yaml:"stream_timeout"`
	BillCanceled       bool          `yaml:"bill_canceled_requests"`
	ForceDebug         bool          `yaml:"force_debug_mode"`
	MaxStreamBufferMB  int           `yaml:"max_streaming_buffer_mb"`
	ImageLimitFreeMB   int           `yaml:"image_size_limit_free_mb"`
	ImageLimitProMB    int           `yaml:"image_size_limit_pro_mb"`
	MetricsRollupEvery time.Duration `yaml:"metrics_rollup_every"`
}

// MaxStreamBufferBytes returns the streaming reassembly buffer cap in bytes.
func (p PolicyConfig) MaxStreamBufferBytes() int {
	return p.MaxStreamBufferMB << 20
}

// ProviderEntry is an upstream provider definition in the config file.
// Credentials are never stored here: the env pool reads <ID>_API_KEY and
// numbered variants, and cloud hostings use ambient credentials.
type ProviderEntry struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`     // "openai", "openai-responses", "anthropic", "google"
	BaseURL string `yaml:"base_url"` // empty = adapter default
	Hosting string `yaml:"hosting"`  // "", "vertex", "bedrock"
	Region  string `yaml:"region"`   // cloud region for vertex/bedrock
	Project string `yaml:"project"`  // GCP project ID for vertex
	Enabled *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to ID.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.ID
}

// ModelEntry is a catalog model definition in the config file, seeded into
// the database on first run.
type ModelEntry struct {
	ID        string         `yaml:"id"`
	Family    string         `yaml:"family"`
	Free      bool           `yaml:"free"`
	Output    []string       `yaml:"output"`
	Providers []MappingEntry `yaml:"providers"`
}

// MappingEntry is one (model, provider) pricing and capability row.
type MappingEntry struct {
	Provider         string   `yaml:"provider"`
	Model            string   `yaml:"model"` // provider-native name
	InputPrice       float64  `yaml:"input_price"`
	OutputPrice      float64  `yaml:"output_price"`
	CachedInputPrice float64  `yaml:"cached_input_price"`
	RequestPrice     float64  `yaml:"request_price"`
	ImageInputPrice  float64  `yaml:"image_input_price"`
	ImageOutputPrice float64  `yaml:"image_output_price"`
	ContextSize      int      `yaml:"context_size"`
	MaxOutput        int      `yaml:"max_output"`
	SupportedParams  []string `yaml:"supported_parameters"`
	Stability        string   `yaml:"stability"`
	Discount         float64  `yaml:"discount"`

	Vision             bool `yaml:"vision"`
	Tools              bool `yaml:"tools"`
	Reasoning          bool `yaml:"reasoning"`
	ReasoningMaxTokens bool `yaml:"reasoning_max_tokens"`
	JSONOutput         bool `yaml:"json_output"`
	JSONOutputSchema   bool `yaml:"json_output_schema"`
	Streaming          bool `yaml:"streaming"`
	WebSearch          bool `yaml:"web_search"`
	ImageGenerations   bool `yaml:"image_generations"`

	DeprecatedAt  *time.Time `yaml:"deprecated_at"`
	DeactivatedAt *time.Time `yaml:"deactivated_at"`
}

// ToDef converts a config model entry into the domain model definition.
func (m ModelEntry) ToDef() gateway.ModelDef {
	def := gateway.ModelDef{
		ID:     m.ID,
		Family: m.Family,
		Free:   m.Free,
		Output: m.Output,
	}
	for _, p := range m.Providers {
		def.Providers = append(def.Providers, gateway.ProviderMapping{
			ProviderID:         p.Provider,
			ModelName:          p.Model,
			InputPrice:         p.InputPrice,
			OutputPrice:        p.OutputPrice,
			CachedInputPrice:   p.CachedInputPrice,
			RequestPrice:       p.RequestPrice,
			ImageInputPrice:    p.ImageInputPrice,
			ImageOutputPrice:   p.ImageOutputPrice,
			ContextSize:        p.ContextSize,
			MaxOutput:          p.MaxOutput,
			SupportedParams:    p.SupportedParams,
			Stability:          p.Stability,
			Discount:           p.Discount,
			Vision:             p.Vision,
			Tools:              p.Tools,
			Reasoning:          p.Reasoning,
			ReasoningMaxTokens: p.ReasoningMaxTokens,
			JSONOutput:         p.JSONOutput,
			JSONOutputSchema:   p.JSONOutputSchema,
			Streaming:          p.Streaming,
			WebSearch:          p.WebSearch,
			ImageGenerations:   p.ImageGenerations,
			DeprecatedAt:       p.DeprecatedAt,
			DeactivatedAt:      p.DeactivatedAt,
		})
	}
	return def
}

// OrgEntry is an organization seed in the config file.
type OrgEntry struct {
	ID                    string  `yaml:"id"`
	Name                  string  `yaml:"name"`
	Credits               float64 `yaml:"credits"`
	Plan                  string  `yaml:"plan"`
	RetentionLevel        string  `yaml:"retention_level"`
	IsPersonal            bool    `yaml:"is_personal"`
	CustomProviderBaseURL string  `yaml:"custom_provider_base_url"`
	CustomProviderKey     string  `yaml:"custom_provider_key"`
}

// ProjectEntry is a project seed in the config file.
type ProjectEntry struct {
	ID             string `yaml:"id"`
	OrgID          string `yaml:"org_id"`
	Name           string `yaml:"name"`
	Mode           string `yaml:"mode"` // api-keys, credits, hybrid
	CachingEnabled bool   `yaml:"caching_enabled"`
	CacheTTLs      int    `yaml:"cache_ttl_s"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Key        string   `yaml:"key"` // plaintext, hashed on bootstrap
	ProjectID  string   `yaml:"project_id"`
	UsageLimit *float64 `yaml:"usage_limit"`
	Providers  []string `yaml:"allowed_providers"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying policy overrides from the process environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyPolicyEnv(&cfg.Policy, os.LookupEnv)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   30 * time.Second,
			ShutdownGrace: 120 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "llmgw.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Guardrail: GuardrailConfig{
			Timeout: 5 * time.Second,
		},
		Policy: PolicyConfig{
			UnaryTimeout:       2 * time.Minute,
			StreamTimeout:      10 * time.Minute,
			MaxStreamBufferMB:  50,
			ImageLimitFreeMB:   10,
			ImageLimitProMB:    100,
			MetricsRollupEvery: time.Minute,
		},
	}
}

// applyPolicyEnv overlays the policy environment variables onto the parsed
// config. Unset or unparseable values leave the config untouched.
func applyPolicyEnv(p *PolicyConfig, lookup func(string) (string, bool)) {
	if v, ok := lookup("SHOULD_BILL_CANCELLED_REQUESTS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			p.BillCanceled = b
		}
	}
	if v, ok := lookup("FORCE_DEBUG_MODE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			p.ForceDebug = b
		}
	}
	if v, ok := lookup("MAX_STREAMING_BUFFER_MB"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.MaxStreamBufferMB = n
		}
	}
	if v, ok := lookup("IMAGE_SIZE_LIMIT_FREE_MB"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.ImageLimitFreeMB = n
		}
	}
	if v, ok := lookup("IMAGE_SIZE_LIMIT_PRO_MB"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.ImageLimitProMB = n
		}
	}
}
