// Package pipeline wires the request pipeline -- auth, enrichment,
// routing, translation, upstream invocation, relay, and analytics
// recording -- into an http.Handler, together with the operator-facing
// admin surface (keys, reload, analytics, status).
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/analytics"
	"github.com/routiium/gateway/internal/cache"
	"github.com/routiium/gateway/internal/credential"
	"github.com/routiium/gateway/internal/enrichment"
	"github.com/routiium/gateway/internal/routing"
	"github.com/routiium/gateway/internal/telemetry"
	"github.com/routiium/gateway/internal/tokencount"
	"github.com/routiium/gateway/internal/upstream"
	"github.com/routiium/gateway/internal/worker"
)

// Reloader swaps in a newly parsed config generation for one hot-reloadable
// subsystem. Each field is optional; a nil Reloader func makes the matching
// /reload/* route a no-op 204.
type Reloader struct {
	SystemPrompt func(ctx context.Context) error
	MCP          func(ctx context.Context) error
	Routing      func(ctx context.Context) error
}

// Deps bundles everything the pipeline needs to serve a request. Auth,
// Router and Upstream are required; the rest degrade gracefully when absent
// (no cache, no metrics, no tracing).
type Deps struct {
	Auth         gateway.Authenticator
	Enricher     *enrichment.Enricher
	Router       routing.Router
	Privacy      gateway.PrivacyMode
	Stickiness   *routing.Stickiness
	TokenCounter *tokencount.Counter
	Upstream     *upstream.Invoker

	Cache               cache.Cache
	CacheEnabled        bool
	CacheMaxTemperature float64
	CacheDefaultTTL     time.Duration

	CostCalc         *analytics.CostCalculator
	AnalyticsWriter  *worker.AnalyticsWriter
	AnalyticsService *analytics.Service

	Credentials *credential.Store
	Reload      Reloader

	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer

	// UpstreamTimeout bounds a single non-streaming upstream call (default
	// 60s); streamed calls are not bounded by it. RouterTimeout bounds one
	// Router.Resolve call (default 15ms).
	UpstreamTimeout time.Duration
	RouterTimeout   time.Duration

	// BuildInfo is surfaced verbatim by GET /status.
	BuildInfo map[string]string
}

// Pipeline assembles Deps into an http.Handler.
type Pipeline struct {
	deps Deps
}

// New returns the assembled gateway HTTP handler.
func New(deps Deps) http.Handler {
	if deps.UpstreamTimeout <= 0 {
		deps.UpstreamTimeout = 60 * time.Second
	}
	if deps.RouterTimeout <= 0 {
		deps.RouterTimeout = 15 * time.Millisecond
	}
	p := &Pipeline{deps: deps}

	r := chi.NewRouter()
	r.Use(p.securityHeaders, p.recovery, p.requestID, p.logging)
	if deps.Metrics != nil {
		r.Use(p.metricsMiddleware)
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", handleHealthz)
	r.Get("/status", p.handleStatus)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Post("/convert", p.handleConvert)

	r.Group(func(r chi.Router) {
		r.Use(p.authenticate)
		r.Post("/v1/chat/completions", p.handleChatCompletions)
		r.Post("/v1/responses", p.handleResponses)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Get("/", p.handleKeysList)
		r.Post("/generate", p.handleKeysGenerate)
		r.Post("/revoke", p.handleKeysRevoke)
		r.Post("/set_expiration", p.handleKeysSetExpiration)
	})

	r.Route("/reload", func(r chi.Router) {
		r.Post("/mcp", p.handleReload(func(ctx context.Context) error {
			if p.deps.Reload.MCP == nil {
				return nil
			}
			return p.deps.Reload.MCP(ctx)
		}))
		r.Post("/system_prompt", p.handleReload(func(ctx context.Context) error {
			if p.deps.Reload.SystemPrompt == nil {
				return nil
			}
			return p.deps.Reload.SystemPrompt(ctx)
		}))
		r.Post("/routing", p.handleReload(func(ctx context.Context) error {
			if p.deps.Reload.Routing == nil {
				return nil
			}
			return p.deps.Reload.Routing(ctx)
		}))
		r.Post("/all", p.handleReload(func(ctx context.Context) error {
			for _, fn := range []func(context.Context) error{p.deps.Reload.MCP, p.deps.Reload.SystemPrompt, p.deps.Reload.Routing} {
				if fn == nil {
					continue
				}
				if err := fn(ctx); err != nil {
					return err
				}
			}
			return nil
		}))
	})

	r.Route("/analytics", func(r chi.Router) {
		r.Get("/stats", p.handleAnalyticsStats)
		r.Get("/events", p.handleAnalyticsEvents)
		r.Get("/aggregate", p.handleAnalyticsStats)
		r.Get("/export", p.handleAnalyticsExport)
		r.Post("/clear", p.handleAnalyticsClear)
	})

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
