package aggregate

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"tailspin/internal/clock"
	"tailspin/internal/logging"
	"tailspin/internal/metrics"
	"tailspin/internal/span"
)

// TraceModel is an immutable snapshot of one trace.
type TraceModel struct {
	TraceID      string          `json:"trace_id"`
	RootSpanName string          `json:"root_span_name,omitempty"`
	Services     []string        `json:"services"`
	Status       span.StatusCode `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Duration     time.Duration   `json:"duration_ns"`
	SpanCount    int             `json:"span_count"`
	ErrorCount   int             `json:"error_count"`
	TotalTokens  int64           `json:"total_tokens"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	SessionID    string          `json:"session_id"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// TraceOptions configures a TraceAggregator.
type TraceOptions struct {
	// MaxTraces is the live builder budget; exceeding it triggers eviction.
	MaxTraces int `yaml:"max_traces" envconfig:"TRACE_MAX"`
	// IdleTimeout marks builders without updates as first to evict.
	IdleTimeout time.Duration `yaml:"idle_timeout" envconfig:"TRACE_IDLE_TIMEOUT"`
	// SweepInterval is the period of Run.
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"TRACE_SWEEP_INTERVAL"`
}

type traceBuilder struct {
	mu sync.Mutex

	id          string
	rootName    string
	services    map[string]struct{}
	start, end  int64
	spans       int
	errors      int
	tokens      int64
	cost        float64
	sessionID   string
	lastUpdated time.Time
}

func (b *traceBuilder) add(r *span.Record, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spans == 0 || r.StartTimeUnixNano < b.start {
		b.start = r.StartTimeUnixNano
	}
	if r.EndTimeUnixNano > b.end {
		b.end = r.EndTimeUnixNano
	}
	if r.IsRoot() {
		b.rootName = r.Name
	}
	if r.ServiceName != "" {
		b.services[r.ServiceName] = struct{}{}
	}
	b.spans++
	if r.IsError() {
		b.errors++
	}
	b.tokens += r.TotalTokens()
	b.cost += r.Cost()
	// An explicit session wins over the trace-id fallback.
	if key := span.SessionKey(r); b.sessionID == "" || (b.sessionID == b.id && key != b.id) {
		b.sessionID = key
	}
	b.lastUpdated = now
}

func (b *traceBuilder) build() TraceModel {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := TraceModel{
		TraceID:      b.id,
		RootSpanName: b.rootName,
		Services:     sortedKeys(b.services),
		Status:       span.StatusOk,
		StartTime:    time.Unix(0, b.start).UTC(),
		EndTime:      time.Unix(0, b.end).UTC(),
		Duration:     time.Duration(b.end - b.start),
		SpanCount:    b.spans,
		ErrorCount:   b.errors,
		TotalTokens:  b.tokens,
		TotalCostUSD: b.cost,
		SessionID:    b.sessionID,
		LastUpdated:  b.lastUpdated,
	}
	if b.errors > 0 {
		m.Status = span.StatusError
	}
	return m
}

func (b *traceBuilder) updatedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdated
}

// TraceAggregator builds TraceModels keyed by trace id. Builders are
// evicted once the live count exceeds MaxTraces: idle ones first, then
// least recently updated down to 90% of the budget.
type TraceAggregator struct {
	mu     sync.RWMutex
	traces map[string]*traceBuilder

	opts    TraceOptions
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewTraceAggregator creates an empty aggregator.
func NewTraceAggregator(opts TraceOptions, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *TraceAggregator {
	if opts.MaxTraces < 1 {
		opts.MaxTraces = 10_000
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &TraceAggregator{
		traces:  make(map[string]*traceBuilder),
		opts:    opts,
		clock:   clk,
		logger:  logging.OrNop(logger).Named("traces"),
		metrics: m,
	}
}

// builder finds or creates the builder for id. The second result reports
// whether the live count is now over budget.
func (a *TraceAggregator) builder(id string, now time.Time) (*traceBuilder, bool) {
	a.mu.RLock()
	b, ok := a.traces[id]
	a.mu.RUnlock()
	if ok {
		return b, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.traces[id]; ok {
		return b, false
	}
	b = &traceBuilder{id: id, services: make(map[string]struct{}), lastUpdated: now}
	a.traces[id] = b
	return b, len(a.traces) > a.opts.MaxTraces
}

// AddSpan folds r into its trace, evicting inline when over budget.
func (a *TraceAggregator) AddSpan(r *span.Record) {
	now := a.clock.Now()
	b, over := a.builder(r.TraceID, now)
	b.add(r, now)
	if over {
		a.Sweep()
	}
}

// AddSpans folds every record of batch into its trace.
func (a *TraceAggregator) AddSpans(batch []span.Record) {
	now := a.clock.Now()
	over := false
	for i := range batch {
		b, o := a.builder(batch[i].TraceID, now)
		b.add(&batch[i], now)
		over = over || o
	}
	if over {
		a.Sweep()
	}
}

// GetTrace returns a snapshot of the trace, or false if unknown or
// evicted.
func (a *TraceAggregator) GetTrace(id string) (TraceModel, bool) {
	a.mu.RLock()
	b, ok := a.traces[id]
	a.mu.RUnlock()
	if !ok {
		return TraceModel{}, false
	}
	return b.build(), true
}

// GetTraces returns every live trace, newest start first.
func (a *TraceAggregator) GetTraces() []TraceModel {
	a.mu.RLock()
	builders := make([]*traceBuilder, 0, len(a.traces))
	for _, b := range a.traces {
		builders = append(builders, b)
	}
	a.mu.RUnlock()

	out := make([]TraceModel, len(builders))
	for i, b := range builders {
		out[i] = b.build()
	}
	slices.SortFunc(out, func(x, y TraceModel) int {
		if c := y.StartTime.Compare(x.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(x.TraceID, y.TraceID)
	})
	return out
}

// Query filters and pages live traces, newest start first.
func (a *TraceAggregator) Query(f TraceFilter) TracePage {
	var matched []TraceModel
	for _, t := range a.GetTraces() {
		if f.match(t.Services, t.StartTime, t.EndTime, t.TotalTokens, t.ErrorCount) {
			matched = append(matched, t)
		}
	}
	return paginate(matched, f.Skip, f.Take)
}

// Len returns the number of live traces.
func (a *TraceAggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.traces)
}

// Sweep evicts builders when the live count exceeds MaxTraces and returns
// how many were removed. Idle builders go first; if that is not enough,
// the least recently updated are removed until the count is at or below
// 90% of MaxTraces.
func (a *TraceAggregator) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.traces) <= a.opts.MaxTraces {
		return 0
	}

	cutoff := a.clock.Now().Add(-a.opts.IdleTimeout)
	type entry struct {
		id      string
		updated time.Time
	}
	remaining := make([]entry, 0, len(a.traces))
	idle := 0
	for id, b := range a.traces {
		updated := b.updatedAt()
		if updated.Before(cutoff) {
			delete(a.traces, id)
			idle++
			continue
		}
		remaining = append(remaining, entry{id, updated})
	}

	lowWatermark := a.opts.MaxTraces * 9 / 10
	lru := 0
	if len(a.traces) > lowWatermark {
		slices.SortFunc(remaining, func(x, y entry) int {
			if c := x.updated.Compare(y.updated); c != 0 {
				return c
			}
			return cmp.Compare(x.id, y.id)
		})
		for _, e := range remaining {
			if len(a.traces) <= lowWatermark {
				break
			}
			delete(a.traces, e.id)
			lru++
		}
	}

	a.metrics.TraceEvicted("idle", idle)
	a.metrics.TraceEvicted("capacity", lru)
	if idle+lru > 0 {
		a.logger.Debug("evicted trace builders",
			zap.Int("idle", idle), zap.Int("capacity", lru), zap.Int("live", len(a.traces)))
	}
	return idle + lru
}

// Run sweeps every SweepInterval on the injected clock until ctx ends.
func (a *TraceAggregator) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}
