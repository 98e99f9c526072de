package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/analytics"
	"github.com/routiium/gateway/internal/cache"
	"github.com/routiium/gateway/internal/circuitbreaker"
	"github.com/routiium/gateway/internal/cloudauth"
	"github.com/routiium/gateway/internal/config"
	"github.com/routiium/gateway/internal/credential"
	"github.com/routiium/gateway/internal/enrichment"
	"github.com/routiium/gateway/internal/pipeline"
	"github.com/routiium/gateway/internal/routing"
	"github.com/routiium/gateway/internal/storage"
	"github.com/routiium/gateway/internal/storage/jsonlanalytics"
	"github.com/routiium/gateway/internal/storage/memringanalytics"
	"github.com/routiium/gateway/internal/storage/redisanalytics"
	"github.com/routiium/gateway/internal/storage/sqlite"
	"github.com/routiium/gateway/internal/storage/valkeystore"
	"github.com/routiium/gateway/internal/telemetry"
	"github.com/routiium/gateway/internal/tokencount"
	"github.com/routiium/gateway/internal/upstream"
	"github.com/routiium/gateway/internal/worker"
)

func run(configPath, envDefaultsFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	envCfg, err := config.LoadEnv(envDefaultsFile)
	if err != nil {
		return fmt.Errorf("load env config: %w", err)
	}

	credBackend, err := openCredentialBackend(envCfg)
	if err != nil {
		return fmt.Errorf("open credential backend: %w", err)
	}

	credStore, err := credential.New(credBackend,
		credential.WithRequireExpiration(cfg.Auth.RequireExpiration || envCfg.RequireExpiration),
	)
	if err != nil {
		return fmt.Errorf("create credential store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, credStore); err != nil {
		return fmt.Errorf("bootstrap credentials: %w", err)
	}

	analyticsStore, closeAnalytics, err := openAnalyticsBackend(envCfg)
	if err != nil {
		return fmt.Errorf("open analytics backend: %w", err)
	}
	defer closeAnalytics()

	analyticsWriter := worker.NewAnalyticsWriter(analyticsStore)
	analyticsService := analytics.NewService(analyticsStore)
	costCalc := analytics.NewCostCalculator(cfg.Pricing)

	resolver := &dnscache.Resolver{}
	stopDNSRefresh := startDNSRefresh(resolver)
	defer stopDNSRefresh()

	invoker := upstream.New(resolver)
	if cfg.Bedrock.Region != "" {
		service := cfg.Bedrock.Service
		if service == "" {
			service = "bedrock-runtime"
		}
		invoker.WithBedrockTransport(cloudauth.NewAWSSigV4Transport(
			http.DefaultTransport, cloudauth.NewEnvCredentialsProvider(), cfg.Bedrock.Region, service))
	}
	tokenCounter := tokencount.NewCounter()

	enricher := enrichment.New()
	if err := reloadEnrichment(cfg, enricher); err != nil {
		return fmt.Errorf("load enrichment sources: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	router, err := buildRouter(ctx, cfg, breakers)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	stickiness, err := routing.NewStickiness(10_000)
	if err != nil {
		return fmt.Errorf("create stickiness table: %w", err)
	}

	var respCache cache.Cache
	if cfg.Cache.Enabled {
		respCache, err = cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if err != nil {
			return fmt.Errorf("create response cache: %w", err)
		}
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var shutdownTracing func(context.Context) error
	var tracer trace.Tracer
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err = telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		tracer = telemetry.Tracer("routiium")
	}

	deps := pipeline.Deps{
		Auth:         credential.NewAuthenticator(credStore, cfg.Auth.Passthrough),
		Enricher:     enricher,
		Router:       router,
		Privacy:      gateway.PrivacyMode(cfg.Routing.Remote.Privacy),
		Stickiness:   stickiness,
		TokenCounter: tokenCounter,
		Upstream:     invoker,

		Cache:               respCache,
		CacheEnabled:        cfg.Cache.Enabled,
		CacheMaxTemperature: cfg.Cache.MaxTemperature,
		CacheDefaultTTL:     cfg.Cache.DefaultTTL,

		CostCalc:         costCalc,
		AnalyticsWriter:  analyticsWriter,
		AnalyticsService: analyticsService,

		Credentials: credStore,
		Reload: pipeline.Reloader{
			SystemPrompt: func(context.Context) error { return reloadEnrichment(cfg, enricher) },
			MCP:          nil, // no MCP tool-discovery subsystem is wired; /reload/mcp is a 204 no-op
			Routing:      func(context.Context) error { return nil },
		},

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,

		UpstreamTimeout: cfg.Server.WriteTimeout,
		RouterTimeout:   time.Duration(cfg.Routing.Remote.TimeoutMs) * time.Millisecond,

		BuildInfo: map[string]string{"version": version},
	}

	handler := pipeline.New(deps)

	var configWatchers []*fsnotify.Watcher
	for _, path := range []string{cfg.Enrichment.SystemPromptFile, cfg.Enrichment.ToolsFile} {
		if path == "" {
			continue
		}
		w, err := config.WatchFile(path, func() {
			if err := reloadEnrichment(cfg, enricher); err != nil {
				slog.Error("enrichment hot-reload failed", "error", err)
			}
		})
		if err != nil {
			slog.Warn("could not watch enrichment file", "path", path, "error", err)
			continue
		}
		configWatchers = append(configWatchers, w)
	}
	defer func() {
		for _, w := range configWatchers {
			w.Close()
		}
	}()

	runner := worker.NewRunner(analyticsWriter)
	workersDone := make(chan error, 1)
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	go func() { workersDone <- runner.Run(workerCtx) }()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("routiium listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			cancelWorkers()
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}

	cancelWorkers()
	select {
	case err := <-workersDone:
		if err != nil {
			slog.Error("worker runner exited with error", "error", err)
		}
	case <-time.After(30 * time.Second):
		slog.Warn("worker drain timed out")
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("tracing shutdown failed", "error", err)
		}
	}

	return nil
}

// openCredentialBackend picks the durable credential store per the
// ROUTIIUM_CREDENTIAL_BACKEND setting: an embedded sqlite file, or a
// remote Valkey/Redis-protocol server.
func openCredentialBackend(envCfg *config.EnvConfig) (storage.CredentialStore, error) {
	switch envCfg.CredentialBackend {
	case "valkey":
		client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{envCfg.ValkeyAddr}})
		if err != nil {
			return nil, fmt.Errorf("connect valkey: %w", err)
		}
		return valkeystore.New(client), nil
	case "sqlite", "":
		return sqlite.New("credentials.db")
	default:
		return nil, fmt.Errorf("unknown credential backend %q", envCfg.CredentialBackend)
	}
}

// openAnalyticsBackend picks the analytics store per
// ROUTIIUM_ANALYTICS_BACKEND. The returned close func releases any
// backend-owned resources and is always safe to defer.
func openAnalyticsBackend(envCfg *config.EnvConfig) (storage.AnalyticsStore, func(), error) {
	noop := func() {}
	switch envCfg.AnalyticsBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: envCfg.RedisAddr})
		return redisanalytics.New(rdb), func() { rdb.Close() }, nil
	case "jsonl":
		store, err := jsonlanalytics.New("analytics.jsonl")
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "memory":
		return memringanalytics.New(50_000), noop, nil
	case "sqlite", "":
		store, err := sqlite.New("analytics.db")
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown analytics backend %q", envCfg.AnalyticsBackend)
	}
}

// reloadEnrichment re-reads the configured system-prompt and tool-discovery
// files and swaps them into enricher atomically.
func reloadEnrichment(cfg *config.Config, enricher *enrichment.Enricher) error {
	rules, err := enrichment.LoadPromptRules(cfg.Enrichment.SystemPromptFile)
	if err != nil {
		return err
	}
	tools, err := enrichment.LoadToolSources(cfg.Enrichment.ToolsFile)
	if err != nil {
		return err
	}
	return enricher.Reload(rules, tools)
}

// buildRouter assembles the composite router from cfg.Routing.Order,
// wiring only the sub-routers the order names.
func buildRouter(ctx context.Context, cfg *config.Config, breakers *circuitbreaker.Registry) (routing.Router, error) {
	order := cfg.Routing.Order
	if len(order) == 0 {
		order = []string{"remote", "alias_map", "prefix_rule"}
	}

	var routers []routing.Router
	for _, name := range order {
		switch name {
		case "remote":
			if !cfg.Routing.Remote.Enabled {
				continue
			}
			r, err := buildRemoteRouter(ctx, cfg.Routing.Remote)
			if err != nil {
				return nil, err
			}
			routers = append(routers, r)

		case "alias_map":
			aliases, err := routing.NewAliasMap()
			if err != nil {
				return nil, err
			}
			if err := aliases.Reload(aliasEntriesFromConfig(cfg.Routing.Aliases)); err != nil {
				return nil, fmt.Errorf("load alias map: %w", err)
			}
			routers = append(routers, aliases)

		case "prefix_rule":
			rules, err := routing.ParsePrefixRules(cfg.Routing.PrefixRules)
			if err != nil {
				return nil, fmt.Errorf("parse prefix rules: %w", err)
			}
			routers = append(routers, routing.NewPrefixRouter(rules))

		default:
			return nil, fmt.Errorf("unknown router %q in routing.order", name)
		}
	}

	return routing.NewComposite(routers, cfg.Routing.StrictMode, breakers), nil
}

func buildRemoteRouter(ctx context.Context, rc config.RemoteRouterConfig) (*routing.RemoteRouter, error) {
	var client *http.Client
	if rc.OAuth != nil {
		client = &http.Client{
			Transport: cloudauth.NewClientCredentialsTransport(ctx, http.DefaultTransport,
				rc.OAuth.TokenURL, rc.OAuth.ClientID, rc.OAuth.ClientSecret, rc.OAuth.Scopes...),
		}
	}
	privacy := gateway.PrivacyMode(rc.Privacy)
	if privacy == "" {
		privacy = gateway.PrivacyFeatures
	}
	return routing.NewRemoteRouter(rc.Endpoint, client, privacy,
		time.Duration(rc.TimeoutMs)*time.Millisecond, time.Duration(rc.CacheTTLCeilingMs)*time.Millisecond)
}

func aliasEntriesFromConfig(entries []config.AliasEntryConfig) map[string][]routing.AliasEntry {
	out := make(map[string][]routing.AliasEntry)
	for _, e := range entries {
		out[e.Alias] = append(out[e.Alias], routing.AliasEntry{
			BaseURL: e.BaseURL,
			ModelID: e.ModelID,
			Mode:    gateway.UpstreamMode(e.Mode),
			AuthEnv: e.AuthEnv,
			Headers: e.Headers,
			Guard:   e.Guard,
		})
	}
	return out
}

// startDNSRefresh periodically refreshes resolver's cache, the pattern a
// long-lived outbound client needs to observe upstream DNS changes without
// paying a lookup per request. The returned func stops the refresh loop.
func startDNSRefresh(resolver *dnscache.Resolver) func() {
	ticker := time.NewTicker(5 * time.Minute)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
