package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tailspin/internal/aggregate"
	"tailspin/internal/clock"
	"tailspin/internal/ringbuf"
	"tailspin/internal/span"
	"tailspin/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeWriter struct {
	mu        sync.Mutex
	batches   [][]span.Record
	enqueue   error
	result    error
	neverDone bool
}

func (f *fakeWriter) WriteBatchAsync(_ context.Context, batch []span.Record) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueue != nil {
		return nil, f.enqueue
	}
	f.batches = append(f.batches, batch)
	done := make(chan error, 1)
	if !f.neverDone {
		done <- f.result
	}
	return done, nil
}

type fakePublisher struct {
	batches [][]span.Record
}

func (f *fakePublisher) PublishSpans(batch []span.Record) {
	f.batches = append(f.batches, batch)
}

type harness struct {
	ingestor  *Ingestor
	buffer    *ringbuf.Buffer
	writer    *fakeWriter
	sessions  *aggregate.SessionAggregator
	traces    *aggregate.TraceAggregator
	publisher *fakePublisher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clk := clock.Fake(t0)
	buf, err := ringbuf.New(100)
	require.NoError(t, err)
	h := &harness{
		buffer:    buf,
		writer:    &fakeWriter{},
		sessions:  aggregate.NewSessionAggregator(aggregate.SessionOptions{}, clk, nil),
		traces:    aggregate.NewTraceAggregator(aggregate.TraceOptions{}, clk, nil, nil),
		publisher: &fakePublisher{},
	}
	h.ingestor = New(Deps{
		Buffer:    h.buffer,
		Writer:    h.writer,
		Sessions:  h.sessions,
		Traces:    h.traces,
		Publisher: h.publisher,
		Clock:     clk,
	}, opts)
	return h
}

func good(spanID string) span.Record {
	return span.Record{
		TraceID:           "T1",
		SpanID:            spanID,
		Name:              "op",
		StartTimeUnixNano: t0.UnixNano(),
		EndTimeUnixNano:   t0.Add(10 * time.Millisecond).UnixNano(),
		Attributes:        []byte(`{"gen_ai.usage.input_tokens":5}`),
	}
}

func TestIngestRejectsInvalidAndKeepsRest(t *testing.T) {
	h := newHarness(t, Options{WaitDurable: true})

	bad := good("b")
	bad.EndTimeUnixNano = bad.StartTimeUnixNano - 1
	missing := good("")

	res, err := h.ingestor.Ingest(context.Background(), []span.Record{good("a"), bad, missing, good("c")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Contains(t, res.Errors[0], "end time before start time")
	assert.Contains(t, res.Errors[1], "missing span_id")

	require.Len(t, h.writer.batches, 1)
	written := h.writer.batches[0]
	require.Len(t, written, 2)
	assert.Equal(t, int64(10*time.Millisecond), written[0].DurationNs)
	require.NotNil(t, written[0].InputTokens)
	assert.Equal(t, int64(5), *written[0].InputTokens)
	assert.Equal(t, t0, written[0].CreatedAt)

	latest, gen := h.buffer.GetLatest(10)
	assert.Len(t, latest, 2)
	assert.Equal(t, uint64(1), gen)

	tr, ok := h.traces.GetTrace("T1")
	require.True(t, ok)
	assert.Equal(t, 2, tr.SpanCount)
	s, ok := h.sessions.GetSession("T1")
	require.True(t, ok)
	assert.Equal(t, int64(10), s.TotalTokens)

	require.Len(t, h.publisher.batches, 1)
	assert.Len(t, h.publisher.batches[0], 2)
}

func TestIngestDoesNotMutateCallerBatch(t *testing.T) {
	h := newHarness(t, Options{})
	batch := []span.Record{good("a")}

	_, err := h.ingestor.Ingest(context.Background(), batch)
	require.NoError(t, err)
	assert.Zero(t, batch[0].DurationNs)
	assert.Nil(t, batch[0].InputTokens)
}

func TestIngestAllRejectedTouchesNothing(t *testing.T) {
	h := newHarness(t, Options{WaitDurable: true})
	res, err := h.ingestor.Ingest(context.Background(), []span.Record{good("")})
	require.NoError(t, err)
	assert.Zero(t, res.Accepted)
	assert.Empty(t, h.writer.batches)
	assert.Zero(t, h.buffer.Len())
	assert.Empty(t, h.publisher.batches)
}

func TestDurableFailureStillAccepted(t *testing.T) {
	h := newHarness(t, Options{WaitDurable: true})
	h.writer.result = storage.NewPersistentError("disk full", errors.New("io"))

	res, err := h.ingestor.Ingest(context.Background(), []span.Record{good("a")})
	require.Error(t, err)
	assert.True(t, storage.IsPersistent(err))
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, h.buffer.Len())
	_, ok := h.traces.GetTrace("T1")
	assert.True(t, ok)
}

func TestEnqueueFailureIsTransient(t *testing.T) {
	h := newHarness(t, Options{})
	h.writer.enqueue = storage.NewTransientError("write queue full", context.DeadlineExceeded)

	res, err := h.ingestor.Ingest(context.Background(), []span.Record{good("a")})
	require.Error(t, err)
	assert.True(t, storage.IsTransient(err))
	assert.Equal(t, 1, res.Accepted)
	assert.Len(t, h.publisher.batches, 1)
}

func TestWithoutWaitDurableReturnsImmediately(t *testing.T) {
	h := newHarness(t, Options{WaitDurable: false})
	h.writer.neverDone = true

	res, err := h.ingestor.Ingest(context.Background(), []span.Record{good("a")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
}

func TestWaitDurableHonoursContext(t *testing.T) {
	h := newHarness(t, Options{WaitDurable: true})
	h.writer.neverDone = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.ingestor.Ingest(ctx, []span.Record{good("a")})
	require.Error(t, err)
	assert.True(t, storage.IsTransient(err))
}
