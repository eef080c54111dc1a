package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tailspin/internal/aggregate"
	"tailspin/internal/auth"
	"tailspin/internal/clock"
	"tailspin/internal/ingest"
	"tailspin/internal/insights"
	"tailspin/internal/metrics"
	"tailspin/internal/ringbuf"
	"tailspin/internal/span"
	"tailspin/internal/storage"
	"tailspin/internal/stream"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	handler http.Handler
	deps    Deps
	clock   *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clk := clock.Fake(t0.Add(48 * time.Hour))
	m := metrics.New()

	store, err := storage.Open(storage.Config{Path: filepath.Join(dir, "test.duckdb")}, nil, m)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buf, err := ringbuf.New(100)
	require.NoError(t, err)
	sessions := aggregate.NewSessionAggregator(aggregate.SessionOptions{}, clk, nil)
	traces := aggregate.NewTraceAggregator(aggregate.TraceOptions{}, clk, nil, m)
	bc := stream.New(stream.Options{}, clk, nil, m)

	deps := Deps{
		Store:    store,
		Buffer:   buf,
		Sessions: sessions,
		Traces:   traces,
		Ingestor: ingest.New(ingest.Deps{
			Buffer:    buf,
			Writer:    store,
			Sessions:  sessions,
			Traces:    traces,
			Publisher: bc,
			Clock:     clk,
			Metrics:   m,
		}, ingest.Options{WaitDurable: true}),
		Broadcaster:  bc,
		Materializer: insights.New(store, store, bc, clk, insights.Options{}, nil, m),
		Metrics:      m,
		Archive:      storage.ArchiveConfig{Dir: filepath.Join(dir, "archive")},
		Clock:        clk,
	}
	srv := New(testConfig, deps)
	return &testEnv{handler: srv.Handler, deps: deps, clock: clk}
}

var testConfig = Config{Addr: ":0", MaxConcurrentIngest: 4, MaxConcurrentQuery: 4}

const adminKey = auth.KeyPrefix + "0123456789abcdef0123456789abcdef"

// newAuthTestEnv is newTestEnv with API keys required; adminKey is
// bootstrapped.
func newAuthTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := newTestEnv(t)
	a, err := auth.New(context.Background(), auth.Config{DBPath: filepath.Join(t.TempDir(), "auth.db")}, e.clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Bootstrap(context.Background(), adminKey))

	e.deps.Auth = a
	e.handler = New(testConfig, e.deps).Handler
	return e
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func spanJSON(t *testing.T, spans ...span.Record) []byte {
	t.Helper()
	b, err := json.Marshal(spans)
	require.NoError(t, err)
	return b
}

func testSpan(traceID, spanID, parent string) span.Record {
	return span.Record{
		TraceID:           traceID,
		SpanID:            spanID,
		ParentSpanID:      parent,
		Name:              "op-" + spanID,
		Kind:              span.KindServer,
		StartTimeUnixNano: t0.UnixNano(),
		EndTimeUnixNano:   t0.Add(20 * time.Millisecond).UnixNano(),
		ServiceName:       "api",
		SessionID:         "sess-1",
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestIngestAndReadBack(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/spans",
		spanJSON(t, testSpan("T1", "root", ""), testSpan("T1", "child", "root")), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[IngestResponse](t, rec)
	assert.Equal(t, 2, res.Accepted)
	assert.Zero(t, res.Rejected)

	rec = e.do(t, http.MethodGet, "/v1/spans/latest?n=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decode[LatestResponse](t, rec)
	assert.Len(t, latest.Spans, 1)
	assert.Equal(t, uint64(1), latest.Generation)

	rec = e.do(t, http.MethodGet, "/v1/traces/T1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tr := decode[TraceResponse](t, rec)
	require.NotNil(t, tr.Trace)
	assert.Equal(t, "op-root", tr.Trace.RootSpanName)
	assert.Equal(t, "buffer", tr.Source)
	assert.Len(t, tr.Spans, 2)

	rec = e.do(t, http.MethodGet, "/v1/sessions?service=api", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[aggregate.SessionPage](t, rec)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "sess-1", page.Items[0].SessionID)

	rec = e.do(t, http.MethodGet, "/v1/sessions/sess-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[SessionResponse](t, rec).Spans, 2)

	rec = e.do(t, http.MethodGet, "/v1/sessions/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]storage.SessionSummary](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, int64(2), history[0].SpanCount)

	rec = e.do(t, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, int64(2), stats.Tables.Spans)
	assert.Equal(t, 2, stats.Buffer.Len)
	assert.Equal(t, 1, stats.Live.Traces)

	rec = e.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tailspin_spans_ingested_total{outcome="accepted"} 2`)
}

func TestIngestRejections(t *testing.T) {
	e := newTestEnv(t)

	bad := testSpan("T1", "", "")
	rec := e.do(t, http.MethodPost, "/v1/spans", spanJSON(t, testSpan("T1", "a", ""), bad), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[IngestResponse](t, rec)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Errors, 1)

	rec = e.do(t, http.MethodPost, "/v1/spans", spanJSON(t, bad), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, decode[IngestResponse](t, rec).Rejected)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"object instead of array", `{"trace_id":"x"}`},
		{"empty array", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/spans", []byte(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestIngestGzip(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(spanJSON(t, testSpan("T1", "a", "")))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	rec := e.do(t, http.MethodPost, "/v1/spans", buf.Bytes(), map[string]string{"Content-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[IngestResponse](t, rec).Accepted)

	rec = e.do(t, http.MethodPost, "/v1/spans", []byte("x"), map[string]string{"Content-Encoding": "br"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/spans", []byte("not gzip"), map[string]string{"Content-Encoding": "gzip"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownTraceAndBadFilter(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/traces/nope", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/sessions/nope", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/traces?take=-1", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/traces?from=yesterday", nil, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodDelete, "/v1/traces", nil, nil).Code)
}

func TestQuery(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, http.StatusOK,
		e.do(t, http.MethodPost, "/v1/spans", spanJSON(t, testSpan("T1", "a", "")), nil).Code)

	query := func(sql string) *httptest.ResponseRecorder {
		form := url.Values{"sql": {sql}}.Encode()
		return e.do(t, http.MethodPost, "/query", []byte(form),
			map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	}

	rec := query("SELECT trace_id, name FROM spans")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, body["count"])

	assert.Equal(t, http.StatusBadRequest, query("").Code)
	assert.Equal(t, http.StatusBadRequest, query("DELETE FROM spans").Code)
	assert.Equal(t, http.StatusBadRequest, query("SELECT 1; SELECT 2").Code)
	assert.Equal(t, http.StatusBadRequest, query("SELECT * FROM missing_table").Code)
}

func TestInsightsEndpoints(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/insights/bogus", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/insights/topology", nil, nil).Code)

	rec := e.do(t, http.MethodPost, "/admin/insights", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	runs := decode[[]InsightRunResponse](t, rec)
	require.Len(t, runs, len(insights.Tiers))
	for _, r := range runs {
		assert.Equal(t, string(insights.OutcomeWritten), r.Outcome)
	}

	rec = e.do(t, http.MethodGet, "/v1/insights", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]storage.Insight](t, rec), len(insights.Tiers))

	rec = e.do(t, http.MethodGet, "/v1/insights/topology", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[storage.Insight](t, rec).Content, "# Service topology")

	rec = e.do(t, http.MethodGet, "/v1/insights/topology?format=html", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<h1>Service topology</h1>")

	assert.Equal(t, http.StatusBadRequest,
		e.do(t, http.MethodGet, "/v1/insights/topology?format=pdf", nil, nil).Code)
}

func TestArchiveAndClear(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, http.StatusOK,
		e.do(t, http.MethodPost, "/v1/spans", spanJSON(t, testSpan("T1", "a", "")), nil).Code)

	// Retention is disabled in the test config, so an age is required.
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/admin/archive", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/admin/archive?older_than=soon", nil, nil).Code)

	rec := e.do(t, http.MethodPost, "/admin/archive?older_than=24h", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[storage.ArchiveResult](t, rec)
	assert.Equal(t, int64(1), res.Rows)
	assert.FileExists(t, res.File)

	n, err := e.deps.Store.SpanCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	rec = e.do(t, http.MethodDelete, "/admin/data", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTraceFallsBackToArchive(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Written straight to the store, so the buffer never sees it.
	r := testSpan("cold", "a", "")
	span.Normalize(&r, t0)
	require.NoError(t, e.deps.Store.WriteBatch(ctx, []span.Record{r}))

	rec := e.do(t, http.MethodGet, "/v1/traces/cold", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "store", decode[TraceResponse](t, rec).Source)

	_, err := e.deps.Store.ArchiveToParquet(ctx, e.deps.Archive.Dir, t0.Add(time.Hour))
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, "/v1/traces/cold", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tr := decode[TraceResponse](t, rec)
	assert.Equal(t, "archive", tr.Source)
	require.Len(t, tr.Spans, 1)
	assert.Nil(t, tr.Trace)
}

func TestWriteStorageErrorMapping(t *testing.T) {
	a := &api{logger: zap.NewNop()}
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"transient", storage.NewTransientError("read pool exhausted", context.DeadlineExceeded), http.StatusServiceUnavailable, true},
		{"persistent", storage.NewPersistentError("disk", errors.New("io")), http.StatusInternalServerError, false},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.writeStorageError(rec, httptest.NewRequest(http.MethodGet, "/", nil), "op", tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestGateRejectsWhenSaturated(t *testing.T) {
	g := newGate("ingest", 1)
	release := make(chan struct{})
	entered := make(chan struct{})
	h := g.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
		close(done)
	}()
	<-entered

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))

	close(release)
	<-done
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSizeLimit(t *testing.T) {
	h := sizeLimitMiddleware(8)(http.HandlerFunc((&api{logger: zap.NewNop()}).handleIngest))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/spans", strings.NewReader(`[{"trace_id":"abcdef"}]`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStreamDeliversEvents(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/stream?client_id=c1&session=sess-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return e.deps.Broadcaster.SubscriberCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	other := testSpan("T2", "x", "")
	other.SessionID = "sess-2"
	e.deps.Broadcaster.PublishSpans([]span.Record{other})
	e.deps.Broadcaster.PublishSpans([]span.Record{testSpan("T1", "a", "")})

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, string(stream.TypeSpans), event)

	var msg stream.Message
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	require.Len(t, msg.Spans, 1)
	assert.Equal(t, "T1", msg.Spans[0].TraceID)
	assert.Equal(t, uint64(2), msg.Sequence)

	cancel()
	require.Eventually(t, func() bool { return e.deps.Broadcaster.SubscriberCount() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestAuthDisabledKeyRoutesAbsent(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/admin/keys", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthProtectsRoutes(t *testing.T) {
	e := newAuthTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")

	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/query"},
		{http.MethodDelete, "/admin/data"},
		{http.MethodPost, "/admin/archive?older_than=1h"},
		{http.MethodPost, "/v1/spans"},
		{http.MethodGet, "/v1/traces"},
		{http.MethodGet, "/metrics"},
	} {
		rec := e.do(t, tc.method, tc.target, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.target)
	}

	// Mint an ingest-only key through the admin API.
	rec = e.do(t, http.MethodPost, "/admin/keys", []byte(`{"name":"collector","scopes":"ingest"}`), bearer(adminKey))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CreateKeyResponse](t, rec)
	assert.Equal(t, "ingest", created.Scopes)

	rec = e.do(t, http.MethodPost, "/v1/spans", spanJSON(t, testSpan("T1", "a", "")), bearer(created.Key))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/query"},
		{http.MethodDelete, "/admin/data"},
		{http.MethodGet, "/v1/traces/T1"},
		{http.MethodGet, "/admin/keys"},
	} {
		rec := e.do(t, tc.method, tc.target, []byte(`{"sql":"SELECT 1"}`), bearer(created.Key))
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.target)
	}

	rec = e.do(t, http.MethodGet, "/v1/traces/T1", nil, map[string]string{"X-API-Key": adminKey})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/admin/keys", nil, bearer(adminKey))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]KeyResponse](t, rec), 2)

	rec = e.do(t, http.MethodDelete, "/admin/keys/"+created.ID, nil, bearer(adminKey))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/v1/spans", spanJSON(t, testSpan("T1", "b", "")), bearer(created.Key))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodDelete, "/admin/keys/"+created.ID, nil, bearer(adminKey))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateKeyValidation(t *testing.T) {
	e := newAuthTestEnv(t)
	for _, body := range []string{`{`, `{"scopes":"read"}`, `{"name":"x","scopes":"bogus"}`, `{"name":"x","scopes":"read","expires_in":"soon"}`} {
		rec := e.do(t, http.MethodPost, "/admin/keys", []byte(body), bearer(adminKey))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}
