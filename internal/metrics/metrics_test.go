package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Ingested(1, 1)
		m.WriteFlushed(3, nil)
		m.ReadLeaseAcquired(time.Millisecond)
		m.ReadLeaseTimedOut()
		m.StreamDrop()
		m.SetSubscribers(2)
		m.TraceEvicted("idle", 4)
		m.SetLive(1, 1)
		m.TierRun("topology", "written", time.Second)
		m.Archived(10)
		m.RegisterBufferEvictions(func() uint64 { return 0 })
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()

	m.Ingested(5, 2)
	m.WriteFlushed(5, nil)
	m.WriteFlushed(0, errors.New("boom"))
	m.TraceEvicted("capacity", 0)
	m.TraceEvicted("idle", 3)
	m.StreamDrop()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.SpansIngested.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SpansIngested.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteFlushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteFlushes.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TracesEvicted.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamDropped))
}

func TestBufferEvictionsExposed(t *testing.T) {
	m := New()
	var evicted uint64 = 7
	m.RegisterBufferEvictions(func() uint64 { return evicted })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tailspin_buffer_evicted_spans_total 7")
}
