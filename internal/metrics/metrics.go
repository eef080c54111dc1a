// Package metrics exposes the Prometheus instruments of the ingestion
// core. Overflow policies (hot-buffer eviction, stream drops) surface here
// as counters rather than as errors.
//
// Every method is safe on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tailspin"

// Metrics holds all Prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SpansIngested  *prometheus.CounterVec
	WriteFlushes   *prometheus.CounterVec
	WriteRows      prometheus.Histogram
	ReadLeaseWait  prometheus.Histogram
	ReadLeaseFails prometheus.Counter
	StreamDropped  prometheus.Counter
	StreamSubs     prometheus.Gauge
	TracesEvicted  *prometheus.CounterVec
	LiveSessions   prometheus.Gauge
	LiveTraces     prometheus.Gauge
	TierRuns       *prometheus.CounterVec
	TierDuration   *prometheus.HistogramVec
	ArchivedRows   prometheus.Counter
}

// New registers every instrument on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SpansIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_ingested_total",
			Help:      "Spans seen at the ingestion boundary by outcome",
		}, []string{"outcome"}),
		WriteFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_flushes_total",
			Help:      "Appender flushes performed by the serialized writer",
		}, []string{"outcome"}),
		WriteRows: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_write_rows",
			Help:      "Rows per coalesced appender flush",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ReadLeaseWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_read_lease_wait_seconds",
			Help:      "Time spent waiting for a read connection slot",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		ReadLeaseFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_read_lease_timeouts_total",
			Help:      "Read connection requests that gave up waiting for a slot",
		}),
		StreamDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_messages_total",
			Help:      "Messages dropped from full subscriber channels (drop-oldest)",
		}),
		StreamSubs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Currently connected stream subscribers",
		}),
		TracesEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_evicted_total",
			Help:      "Live trace builders evicted by reason",
		}, []string{"reason"}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Session builders held in memory",
		}),
		LiveTraces: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_traces",
			Help:      "Trace builders held in memory",
		}),
		TierRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insight_tier_runs_total",
			Help:      "Insight tier computations by tier and outcome",
		}, []string{"tier", "outcome"}),
		TierDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "insight_tier_duration_seconds",
			Help:      "Time to compute one insight tier",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		ArchivedRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_spans_total",
			Help:      "Spans moved from the live table to parquet archives",
		}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterBufferEvictions exports a callback-backed counter of hot-buffer
// overwrites.
func (m *Metrics) RegisterBufferEvictions(evicted func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "buffer_evicted_spans_total",
		Help:      "Spans overwritten in the hot ring buffer before expiry",
	}, func() float64 { return float64(evicted()) }))
}

func (m *Metrics) Ingested(accepted, rejected int) {
	if m == nil {
		return
	}
	m.SpansIngested.WithLabelValues("accepted").Add(float64(accepted))
	m.SpansIngested.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) WriteFlushed(rows int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.WriteFlushes.WithLabelValues("failed").Inc()
		return
	}
	m.WriteFlushes.WithLabelValues("ok").Inc()
	m.WriteRows.Observe(float64(rows))
}

func (m *Metrics) ReadLeaseAcquired(wait time.Duration) {
	if m == nil {
		return
	}
	m.ReadLeaseWait.Observe(wait.Seconds())
}

func (m *Metrics) ReadLeaseTimedOut() {
	if m == nil {
		return
	}
	m.ReadLeaseFails.Inc()
}

func (m *Metrics) StreamDrop() {
	if m == nil {
		return
	}
	m.StreamDropped.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.StreamSubs.Set(float64(n))
}

func (m *Metrics) TraceEvicted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TracesEvicted.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) SetLive(sessions, traces int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(sessions))
	m.LiveTraces.Set(float64(traces))
}

func (m *Metrics) TierRun(tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TierRuns.WithLabelValues(tier, outcome).Inc()
	m.TierDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *Metrics) Archived(rows int64) {
	if m == nil {
		return
	}
	m.ArchivedRows.Add(float64(rows))
}
