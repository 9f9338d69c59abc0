package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/llmgateway/llmgateway/internal/auth"
	"github.com/llmgateway/llmgateway/internal/cache"
	"github.com/llmgateway/llmgateway/internal/catalog"
	"github.com/llmgateway/llmgateway/internal/cloudauth"
	"github.com/llmgateway/llmgateway/internal/config"
	"github.com/llmgateway/llmgateway/internal/cost"
	"github.com/llmgateway/llmgateway/internal/guardrail"
	"github.com/llmgateway/llmgateway/internal/keypool"
	"github.com/llmgateway/llmgateway/internal/provider"
	"github.com/llmgateway/llmgateway/internal/provider/anthropic"
	"github.com/llmgateway/llmgateway/internal/provider/google"
	"github.com/llmgateway/llmgateway/internal/provider/openai"
	"github.com/llmgateway/llmgateway/internal/proxy"
	"github.com/llmgateway/llmgateway/internal/routing"
	"github.com/llmgateway/llmgateway/internal/server"
	"github.com/llmgateway/llmgateway/internal/storage/sqlite"
	"github.com/llmgateway/llmgateway/internal/telemetry"
	"github.com/llmgateway/llmgateway/internal/tokencount"
	"github.com/llmgateway/llmgateway/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	slog.Info("starting llmgw", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	models, err := store.LoadModels(ctx)
	if err != nil {
		return err
	}
	cat := catalog.New(models)
	slog.Info("catalog loaded", "models", len(models))

	// Telemetry
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, "llmgw", version, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	// Upstream HTTP stack: one cached-DNS transport shared by every adapter.
	dnsResolver := &dnscache.Resolver{}
	dnsCtx, stopDNS := context.WithCancel(ctx)
	defer stopDNS()
	go refreshDNS(dnsCtx, dnsResolver)

	httpClient := &http.Client{Transport: provider.NewTransport(dnsResolver)}

	// Register providers
	reg, pool, err := buildProviders(ctx, cfg, httpClient)
	if err != nil {
		return err
	}

	// Wire services
	principals, err := auth.NewResolver(store)
	if err != nil {
		return err
	}

	counter := tokencount.NewCounter()
	router := routing.New(cat, store, keySource{store: store, pool: pool}, counter)
	calc := cost.New(counter)

	var responses *cache.Responses
	if cfg.Cache.Enabled {
		mem, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if err != nil {
			return err
		}
		responses = cache.NewResponses(mem)
	}

	recorder := worker.NewLogRecorder(store, metrics)
	spender := worker.NewSpendWorker(store)
	rollup := worker.NewMetricsRollupWorker(store, cfg.Policy.MetricsRollupEvery)
	runner := worker.NewRunner(recorder, spender, rollup)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	orchestrator := proxy.New(proxy.Deps{
		Registry:   reg,
		StoredKeys: store,
		EnvPool:    pool,
		Calc:       calc,
		Responses:  responses,
		Recorder:   recorder,
		Spender:    spender,
		Metrics:    metrics,
		Logger:     slog.Default(),
	}, proxy.Config{
		UnaryTimeout:  cfg.Policy.UnaryTimeout,
		StreamTimeout: cfg.Policy.StreamTimeout,
		BillCanceled:  cfg.Policy.BillCanceled,
		CacheTTL:      cfg.Cache.DefaultTTL,
	})

	deps := server.Deps{
		Auth:           principals,
		Router:         router,
		Proxy:          orchestrator,
		Catalog:        cat,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Policy: server.Policy{
			ForceDebug:       cfg.Policy.ForceDebug,
			ImageLimitFreeMB: cfg.Policy.ImageLimitFreeMB,
			ImageLimitProMB:  cfg.Policy.ImageLimitProMB,
		},
	}
	if cfg.Guardrail.Enabled && cfg.Guardrail.URL != "" {
		checker := guardrail.NewHTTPChecker(cfg.Guardrail.URL, cfg.Guardrail.Token, cfg.Guardrail.Timeout)
		deps.Guardrail = guardrail.New(checker, slog.Default())
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("llmgw ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workerDone
		return err
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("forcing close", "error", err)
		srv.Close()
	}

	// Workers stop after the listener drains; the log recorder flushes its
	// remaining batch before returning.
	stopWorkers()
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("worker shutdown", "error", err)
	}

	slog.Info("llmgw stopped")
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildProviders registers one adapter per enabled provider entry and builds
// the env credential pool. Cloud hostings get a static pool slot: their
// credential lives in the transport chain, not in a header.
func buildProviders(ctx context.Context, cfg *config.Config, client *http.Client) (*provider.Registry, *keypool.Pool, error) {
	reg := provider.NewRegistry()
	maxBuffer := cfg.Policy.MaxStreamBufferBytes()

	var envIDs, hostedIDs []string

	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		switch p.ResolvedType() {
		case "openai":
			reg.Register(p.ID, openai.New(p.ID, p.BaseURL, client, maxBuffer))
			envIDs = append(envIDs, p.ID)
		case "openai-responses":
			reg.Register(p.ID, openai.NewResponses(p.ID, p.BaseURL, client, maxBuffer))
			envIDs = append(envIDs, p.ID)
		case "anthropic":
			switch p.Hosting {
			case "":
				reg.Register(p.ID, anthropic.New(p.ID, p.BaseURL, client, maxBuffer))
				envIDs = append(envIDs, p.ID)
			case "vertex":
				hc, base, err := vertexClient(ctx, client, p)
				if err != nil {
					return nil, nil, err
				}
				reg.Register(p.ID, anthropic.NewWithHosting(p.ID, base, hc, maxBuffer, "vertex", p.Region, p.Project))
				hostedIDs = append(hostedIDs, p.ID)
			case "bedrock":
				hc, base, err := bedrockClient(client, p)
				if err != nil {
					return nil, nil, err
				}
				reg.Register(p.ID, anthropic.NewWithHosting(p.ID, base, hc, maxBuffer, "bedrock", p.Region, ""))
				hostedIDs = append(hostedIDs, p.ID)
			default:
				slog.Warn("unknown hosting, skipping provider", "id", p.ID, "hosting", p.Hosting)
			}
		case "google":
			switch p.Hosting {
			case "":
				reg.Register(p.ID, google.New(p.ID, p.BaseURL, client, maxBuffer))
				envIDs = append(envIDs, p.ID)
			case "vertex":
				hc, base, err := vertexClient(ctx, client, p)
				if err != nil {
					return nil, nil, err
				}
				reg.Register(p.ID, google.NewWithHosting(p.ID, base, hc, maxBuffer, p.Region, p.Project))
				hostedIDs = append(hostedIDs, p.ID)
			default:
				slog.Warn("unknown hosting, skipping provider", "id", p.ID, "hosting", p.Hosting)
			}
		default:
			slog.Warn("unknown provider type, skipping", "id", p.ID, "type", p.ResolvedType())
		}
	}

	// Custom-provider orgs speak the OpenAI wire format against a base URL
	// and key resolved from the organization at request time.
	reg.Register(routing.ProviderCustom, openai.New(routing.ProviderCustom, "", client, maxBuffer))

	pool := keypool.FromEnv(envIDs, os.Getenv)
	for _, id := range hostedIDs {
		pool.AddStatic(id, "cloud")
	}
	return reg, pool, nil
}

// vertexClient wraps the shared transport with GCP OAuth and returns the
// regional Vertex endpoint for entries that leave base_url empty.
func vertexClient(ctx context.Context, base *http.Client, p config.ProviderEntry) (*http.Client, string, error) {
	if p.Region == "" || p.Project == "" {
		return nil, "", fmt.Errorf("provider %s: vertex hosting requires region and project", p.ID)
	}
	rt, err := cloudauth.NewVertexTransport(ctx, base.Transport)
	if err != nil {
		return nil, "", fmt.Errorf("provider %s: %w", p.ID, err)
	}
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", p.Region)
	}
	return &http.Client{Transport: rt}, baseURL, nil
}

// bedrockClient wraps the shared transport with SigV4 signing and returns
// the regional Bedrock runtime endpoint for entries that leave base_url empty.
func bedrockClient(base *http.Client, p config.ProviderEntry) (*http.Client, string, error) {
	if p.Region == "" {
		return nil, "", fmt.Errorf("provider %s: bedrock hosting requires region", p.ID)
	}
	rt := cloudauth.NewBedrockSigner(base.Transport, envAWSCredentials(), p.Region)
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", p.Region)
	}
	return &http.Client{Transport: rt}, baseURL, nil
}

// envAWSCredentials resolves static AWS credentials from the environment at
// request time, so rotated keys are picked up without a restart.
func envAWSCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id := os.Getenv("AWS_ACCESS_KEY_ID")
		secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are not set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}

// refreshDNS re-resolves cached entries so long-lived keepalive connections
// pick up upstream failovers.
func refreshDNS(ctx context.Context, r *dnscache.Resolver) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Refresh(true)
		}
	}
}

// keySource adapts the stored-key table and the env pool to the routing
// engine's view of which providers hold usable credentials.
type keySource struct {
	store *sqlite.Store
	pool  *keypool.Pool
}

func (k keySource) StoredKeyProviders(ctx context.Context, orgID string) ([]string, error) {
	return k.store.StoredKeyProviders(ctx, orgID)
}

func (k keySource) EnvProviders() []string {
	return k.pool.Providers()
}
