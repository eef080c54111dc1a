// Package insights periodically recomputes markdown summaries of the
// stored spans and persists a tier only when its content hash changed.
package insights

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"tailspin/internal/clock"
	"tailspin/internal/logging"
	"tailspin/internal/metrics"
	"tailspin/internal/storage"
	"tailspin/internal/stream"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("insights: materializer already running")

// Store persists insight rows.
type Store interface {
	GetInsightHash(ctx context.Context, tier string) (string, bool, error)
	UpsertInsight(ctx context.Context, ins storage.Insight) error
}

// Notifier is told about every written insight.
type Notifier interface {
	NotifyInsight(summary stream.InsightSummary)
}

// Options configures the Materializer.
type Options struct {
	Interval time.Duration `yaml:"interval" envconfig:"INSIGHTS_INTERVAL"`
	Warmup   time.Duration `yaml:"warmup" envconfig:"INSIGHTS_WARMUP"`

	TopEdges      int `yaml:"top_edges" envconfig:"INSIGHTS_TOP_EDGES"`
	TopOperations int `yaml:"top_operations" envconfig:"INSIGHTS_TOP_OPERATIONS"`
	TopErrors     int `yaml:"top_errors" envconfig:"INSIGHTS_TOP_ERRORS"`

	// Alert thresholds. Services with fewer than MinSpans spans are not
	// evaluated.
	ErrorRateThreshold    float64 `yaml:"error_rate_threshold" envconfig:"INSIGHTS_ERROR_RATE_THRESHOLD"`
	LatencyP95ThresholdMs float64 `yaml:"latency_p95_threshold_ms" envconfig:"INSIGHTS_LATENCY_P95_THRESHOLD_MS"`
	MinSpans              int64   `yaml:"min_spans" envconfig:"INSIGHTS_MIN_SPANS"`
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Warmup < 0 {
		o.Warmup = 0
	}
	if o.TopEdges < 1 {
		o.TopEdges = 20
	}
	if o.TopOperations < 1 {
		o.TopOperations = 15
	}
	if o.TopErrors < 1 {
		o.TopErrors = 10
	}
	if o.ErrorRateThreshold <= 0 {
		o.ErrorRateThreshold = 0.05
	}
	if o.LatencyP95ThresholdMs <= 0 {
		o.LatencyP95ThresholdMs = 2000
	}
}

// Outcome is the result of one tier computation.
type Outcome string

const (
	OutcomeWritten   Outcome = "written"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// TierResult reports one tier of a tick.
type TierResult struct {
	Tier     Tier
	Outcome  Outcome
	Hash     string
	Duration time.Duration
	Err      error
}

// TickReport collects the tier results of one tick in tier order.
type TickReport struct {
	Results []TierResult
}

// Count returns how many tiers ended with outcome o.
func (r TickReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Materializer recomputes every tier on a fixed interval.
type Materializer struct {
	source   Source
	store    Store
	notifier Notifier
	clock    clock.Clock
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics

	running atomic.Bool
}

// New creates a Materializer. notifier may be nil.
func New(source Source, store Store, notifier Notifier, clk clock.Clock, opts Options, logger *zap.Logger, m *metrics.Metrics) *Materializer {
	opts.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Materializer{
		source:   source,
		store:    store,
		notifier: notifier,
		clock:    clk,
		opts:     opts,
		logger:   logging.OrNop(logger).Named("insights"),
		metrics:  m,
	}
}

// Run waits out the warmup, runs a tick, then one tick per Interval until
// ctx ends. A second concurrent call returns ErrAlreadyRunning.
func (m *Materializer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.logger.Info("materializer started",
		zap.Duration("warmup", m.opts.Warmup), zap.Duration("interval", m.opts.Interval))

	select {
	case <-ctx.Done():
		return nil
	case <-m.clock.After(m.opts.Warmup):
	}

	ticker := m.clock.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("materializer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Materializer) tick(ctx context.Context) {
	report := m.RunOnce(ctx)
	m.logger.Debug("materializer tick",
		zap.Int("written", report.Count(OutcomeWritten)),
		zap.Int("unchanged", report.Count(OutcomeUnchanged)),
		zap.Int("failed", report.Count(OutcomeFailed)))
}

// RunOnce computes every tier sequentially. A failing tier is logged and
// reported; the remaining tiers still run.
func (m *Materializer) RunOnce(ctx context.Context) TickReport {
	report := TickReport{Results: make([]TierResult, 0, len(Tiers))}
	for _, tier := range Tiers {
		if ctx.Err() != nil {
			break
		}
		res := m.materialize(ctx, tier)
		m.metrics.TierRun(string(tier), string(res.Outcome), res.Duration)
		if res.Err != nil {
			m.logger.Error("insight tier failed", zap.String("tier", string(tier)), zap.Error(res.Err))
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (m *Materializer) materialize(ctx context.Context, tier Tier) (res TierResult) {
	start := time.Now()
	res.Tier = tier
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("panic computing %s: %v", tier, r)
		}
		res.Duration = time.Since(start)
	}()

	fail := func(err error) TierResult {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}

	content, err := m.compute(ctx, tier)
	if err != nil {
		return fail(err)
	}
	res.Hash = contentHash(content)

	stored, found, err := m.store.GetInsightHash(ctx, string(tier))
	if err != nil {
		return fail(fmt.Errorf("read stored hash: %w", err))
	}
	if found && stored == res.Hash {
		res.Outcome = OutcomeUnchanged
		return res
	}

	spanCount, err := m.source.SpanCount(ctx)
	if err != nil {
		return fail(fmt.Errorf("span count: %w", err))
	}

	ins := storage.Insight{
		Tier:                       string(tier),
		Content:                    content,
		ContentHash:                res.Hash,
		MaterializedAt:             m.clock.Now().UTC(),
		SpanCountAtMaterialization: spanCount,
		DurationMs:                 time.Since(start).Milliseconds(),
	}
	if err := m.store.UpsertInsight(ctx, ins); err != nil {
		return fail(fmt.Errorf("upsert: %w", err))
	}
	res.Outcome = OutcomeWritten

	if m.notifier != nil {
		m.notifier.NotifyInsight(stream.InsightSummary{
			Tier:           ins.Tier,
			ContentHash:    ins.ContentHash,
			MaterializedAt: ins.MaterializedAt,
			SpanCount:      ins.SpanCountAtMaterialization,
		})
	}
	return res
}

func contentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
