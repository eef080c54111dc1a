package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"tailspin/internal/aggregate"
	"tailspin/internal/auth"
	"tailspin/internal/clock"
	"tailspin/internal/ingest"
	"tailspin/internal/insights"
	"tailspin/internal/logging"
	"tailspin/internal/metrics"
	"tailspin/internal/ringbuf"
	"tailspin/internal/storage"
	"tailspin/internal/stream"
)

// Config holds server configuration.
type Config struct {
	Addr                string        `yaml:"addr" envconfig:"ADDR"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	MaxConcurrentIngest int           `yaml:"max_concurrent_ingest" envconfig:"MAX_CONCURRENT_INGEST"`
	MaxConcurrentQuery  int           `yaml:"max_concurrent_query" envconfig:"MAX_CONCURRENT_QUERY"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	// Auth turns on API key checks when its DBPath is set.
	Auth                auth.Config   `yaml:"auth" envconfig:"AUTH"`
}

// Deps are the components the HTTP surface reads from and writes to.
// Materializer, Metrics and Auth may be nil; a nil Auth leaves every
// route open.
type Deps struct {
	Store        *storage.Storage
	Buffer       *ringbuf.Buffer
	Ingestor     *ingest.Ingestor
	Sessions     *aggregate.SessionAggregator
	Traces       *aggregate.TraceAggregator
	Broadcaster  *stream.Broadcaster
	Materializer *insights.Materializer
	Metrics      *metrics.Metrics
	Archive      storage.ArchiveConfig
	Clock        clock.Clock
	Logger       *zap.Logger
	Auth         *auth.Auth
}

type api struct {
	Deps
	logger *zap.Logger
}

// New creates the HTTP server.
func New(cfg Config, deps Deps) *http.Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	a := &api{Deps: deps, logger: logging.OrNop(deps.Logger).Named("http")}

	mux := http.NewServeMux()

	// Semaphores for backpressure
	ingestGate := newGate("ingest", cfg.MaxConcurrentIngest)
	queryGate := newGate("query", cfg.MaxConcurrentQuery)

	// Health endpoint (always public)
	mux.HandleFunc("GET /health", a.handleHealth)

	// Read endpoints
	mux.Handle("GET /stats", a.protect(auth.ScopeRead, a.handleStats))
	mux.Handle("GET /metrics", a.protectHandler(auth.ScopeRead, deps.Metrics.Handler()))
	mux.Handle("POST /query", a.protectHandler(auth.ScopeRead, queryGate.middleware(http.HandlerFunc(a.handleQuery))))
	mux.Handle("GET /v1/spans/latest", a.protect(auth.ScopeRead, a.handleLatest))
	mux.Handle("GET /v1/traces", a.protect(auth.ScopeRead, a.handleListTraces))
	mux.Handle("GET /v1/traces/{id}", a.protect(auth.ScopeRead, a.handleGetTrace))
	mux.Handle("GET /v1/sessions", a.protect(auth.ScopeRead, a.handleListSessions))
	mux.Handle("GET /v1/sessions/history", a.protect(auth.ScopeRead, a.handleSessionHistory))
	mux.Handle("GET /v1/sessions/{id}", a.protect(auth.ScopeRead, a.handleGetSession))
	mux.Handle("GET /v1/statistics", a.protect(auth.ScopeRead, a.handleStatistics))
	mux.Handle("GET /v1/insights", a.protect(auth.ScopeRead, a.handleListInsights))
	mux.Handle("GET /v1/insights/{tier}", a.protect(auth.ScopeRead, a.handleGetInsight))
	mux.Handle("GET /v1/stream", a.protect(auth.ScopeRead, a.handleStream))

	// Ingest endpoints
	mux.Handle("POST /v1/spans", a.protectHandler(auth.ScopeIngest, ingestGate.middleware(http.HandlerFunc(a.handleIngest))))

	// Admin endpoints
	mux.Handle("POST /admin/archive", a.protect(auth.ScopeAdmin, a.handleArchive))
	mux.Handle("POST /admin/insights", a.protect(auth.ScopeAdmin, a.handleRefreshInsights))
	mux.Handle("DELETE /admin/data", a.protect(auth.ScopeAdmin, a.handleClear))
	if deps.Auth != nil {
		mux.Handle("GET /admin/keys", a.protect(auth.ScopeAdmin, a.handleListKeys))
		mux.Handle("POST /admin/keys", a.protect(auth.ScopeAdmin, a.handleCreateKey))
		mux.Handle("DELETE /admin/keys/{id}", a.protect(auth.ScopeAdmin, a.handleRevokeKey))
	}

	// Middleware execution order (request path):
	// requestID -> accessLog -> recovery -> sizeLimit -> gzip -> handler
	handler := chain(mux,
		requestIDMiddleware,
		accessLogMiddleware(a.logger),
		recoveryMiddleware(a.logger),
		sizeLimitMiddleware(cfg.MaxBodyBytes),
		gzipMiddleware(a.logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// protectHandler wraps h with key validation and a scope check. With auth
// disabled h is mounted directly.
func (a *api) protectHandler(scope auth.Scope, h http.Handler) http.Handler {
	if a.Auth == nil {
		return h
	}
	return a.Auth.Protect(scope, h)
}

func (a *api) protect(scope auth.Scope, h http.HandlerFunc) http.Handler {
	return a.protectHandler(scope, h)
}
