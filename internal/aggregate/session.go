package aggregate

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tailspin/internal/clock"
	"tailspin/internal/logging"
	"tailspin/internal/span"
)

// ErrAlreadyBootstrapped is returned by a second Bootstrap call.
var ErrAlreadyBootstrapped = errors.New("aggregate: sessions already bootstrapped")

// SessionModel is an immutable snapshot of one session.
type SessionModel struct {
	SessionID    string    `json:"session_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	LastActivity time.Time `json:"last_activity"`
	SpanCount    int       `json:"span_count"`
	ErrorCount   int       `json:"error_count"`
	ErrorRate    float64   `json:"error_rate"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	Models       []string  `json:"models"`
	Services     []string  `json:"services"`
	TraceCount   int       `json:"trace_count"`
	IsActive     bool      `json:"is_active"`
}

// SpanSource supplies recent spans for Bootstrap.
type SpanSource interface {
	SpansSince(ctx context.Context, since time.Time, limit int) ([]span.Record, error)
}

// SessionOptions configures a SessionAggregator.
type SessionOptions struct {
	// ActiveTimeout is how long after its last span a session counts as
	// active.
	ActiveTimeout time.Duration `yaml:"active_timeout" envconfig:"SESSION_ACTIVE_TIMEOUT"`
	// BootstrapWindow is how far back Bootstrap reads.
	BootstrapWindow time.Duration `yaml:"bootstrap_window" envconfig:"SESSION_BOOTSTRAP_WINDOW"`
	// BootstrapLimit caps the spans read by Bootstrap to the newest N
	// (0 = no cap). A session straddling the cut is rebuilt from the spans
	// that made it in.
	BootstrapLimit int `yaml:"bootstrap_limit" envconfig:"SESSION_BOOTSTRAP_LIMIT"`
}

type sessionBuilder struct {
	mu sync.Mutex

	id           string
	start, end   int64
	lastActivity time.Time
	spans        int
	errors       int
	input        int64
	output       int64
	cost         float64
	models       map[string]struct{}
	services     map[string]struct{}
	traces       map[string]struct{}
}

func newSessionBuilder(id string) *sessionBuilder {
	return &sessionBuilder{
		id:       id,
		models:   make(map[string]struct{}),
		services: make(map[string]struct{}),
		traces:   make(map[string]struct{}),
	}
}

func (b *sessionBuilder) add(r *span.Record, activity time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spans == 0 || r.StartTimeUnixNano < b.start {
		b.start = r.StartTimeUnixNano
	}
	if r.EndTimeUnixNano > b.end {
		b.end = r.EndTimeUnixNano
	}
	if activity.After(b.lastActivity) {
		b.lastActivity = activity
	}
	b.spans++
	if r.IsError() {
		b.errors++
	}
	if r.InputTokens != nil {
		b.input += *r.InputTokens
	}
	if r.OutputTokens != nil {
		b.output += *r.OutputTokens
	}
	b.cost += r.Cost()
	if r.Model != "" {
		b.models[r.Model] = struct{}{}
	}
	if r.ServiceName != "" {
		b.services[r.ServiceName] = struct{}{}
	}
	b.traces[r.TraceID] = struct{}{}
}

func (b *sessionBuilder) build(now time.Time, activeTimeout time.Duration) SessionModel {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := SessionModel{
		SessionID:    b.id,
		StartTime:    time.Unix(0, b.start).UTC(),
		EndTime:      time.Unix(0, b.end).UTC(),
		LastActivity: b.lastActivity,
		SpanCount:    b.spans,
		ErrorCount:   b.errors,
		InputTokens:  b.input,
		OutputTokens: b.output,
		TotalTokens:  b.input + b.output,
		TotalCostUSD: b.cost,
		Models:       sortedKeys(b.models),
		Services:     sortedKeys(b.services),
		TraceCount:   len(b.traces),
		IsActive:     now.Sub(b.lastActivity) <= activeTimeout,
	}
	if b.spans > 0 {
		m.ErrorRate = float64(b.errors) / float64(b.spans)
	}
	return m
}

// SessionAggregator builds SessionModels keyed by session key (explicit
// session id, session attribute, else trace id). Sessions live for the
// process lifetime and are rebuilt from storage with Bootstrap.
type SessionAggregator struct {
	mu       sync.RWMutex
	sessions map[string]*sessionBuilder

	opts         SessionOptions
	clock        clock.Clock
	logger       *zap.Logger
	bootstrapped atomic.Bool
}

// NewSessionAggregator creates an empty aggregator.
func NewSessionAggregator(opts SessionOptions, clk clock.Clock, logger *zap.Logger) *SessionAggregator {
	if opts.ActiveTimeout <= 0 {
		opts.ActiveTimeout = 5 * time.Minute
	}
	if opts.BootstrapWindow <= 0 {
		opts.BootstrapWindow = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SessionAggregator{
		sessions: make(map[string]*sessionBuilder),
		opts:     opts,
		clock:    clk,
		logger:   logging.OrNop(logger).Named("sessions"),
	}
}

func (a *SessionAggregator) builder(id string) *sessionBuilder {
	a.mu.RLock()
	b, ok := a.sessions[id]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.sessions[id]; ok {
		return b
	}
	b = newSessionBuilder(id)
	a.sessions[id] = b
	return b
}

// AddSpan folds r into its session.
func (a *SessionAggregator) AddSpan(r *span.Record) {
	a.builder(span.SessionKey(r)).add(r, a.clock.Now())
}

// AddSpans folds every record of batch into its session.
func (a *SessionAggregator) AddSpans(batch []span.Record) {
	now := a.clock.Now()
	for i := range batch {
		a.builder(span.SessionKey(&batch[i])).add(&batch[i], now)
	}
}

// GetSession returns a snapshot of the session, or false if unknown.
func (a *SessionAggregator) GetSession(id string) (SessionModel, bool) {
	a.mu.RLock()
	b, ok := a.sessions[id]
	a.mu.RUnlock()
	if !ok {
		return SessionModel{}, false
	}
	return b.build(a.clock.Now(), a.opts.ActiveTimeout), true
}

// GetSessions returns every session, newest start first.
func (a *SessionAggregator) GetSessions() []SessionModel {
	a.mu.RLock()
	builders := make([]*sessionBuilder, 0, len(a.sessions))
	for _, b := range a.sessions {
		builders = append(builders, b)
	}
	a.mu.RUnlock()

	now := a.clock.Now()
	out := make([]SessionModel, len(builders))
	for i, b := range builders {
		out[i] = b.build(now, a.opts.ActiveTimeout)
	}
	slices.SortFunc(out, func(x, y SessionModel) int {
		if c := y.StartTime.Compare(x.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(x.SessionID, y.SessionID)
	})
	return out
}

// Query filters and pages sessions, newest start first.
func (a *SessionAggregator) Query(f SessionFilter) SessionPage {
	var matched []SessionModel
	for _, s := range a.GetSessions() {
		if f.match(s.Services, s.StartTime, s.EndTime, s.TotalTokens, s.ErrorCount) {
			matched = append(matched, s)
		}
	}
	return paginate(matched, f.Skip, f.Take)
}

// Len returns the number of live sessions.
func (a *SessionAggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// Bootstrap rebuilds sessions from spans stored within the configured
// window. It runs at most once per aggregator; later calls return
// ErrAlreadyBootstrapped. A failed read releases the guard so the caller
// may retry.
func (a *SessionAggregator) Bootstrap(ctx context.Context, source SpanSource) (int, error) {
	if !a.bootstrapped.CompareAndSwap(false, true) {
		return 0, ErrAlreadyBootstrapped
	}

	since := a.clock.Now().Add(-a.opts.BootstrapWindow)
	spans, err := source.SpansSince(ctx, since, a.opts.BootstrapLimit)
	if err != nil {
		a.bootstrapped.Store(false)
		return 0, err
	}

	// Stored spans count as activity at their end time, not at load time.
	for i := range spans {
		r := &spans[i]
		a.builder(span.SessionKey(r)).add(r, r.EndTime())
	}

	a.logger.Info("sessions bootstrapped",
		zap.Int("spans", len(spans)),
		zap.Int("sessions", a.Len()),
		zap.Time("since", since))
	return len(spans), nil
}
