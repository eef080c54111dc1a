// Package ingest wires a decoded span batch through every tier: the hot
// ring buffer, the durable write queue, the live aggregators and the
// stream broadcaster.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tailspin/internal/aggregate"
	"tailspin/internal/clock"
	"tailspin/internal/logging"
	"tailspin/internal/metrics"
	"tailspin/internal/ringbuf"
	"tailspin/internal/span"
	"tailspin/internal/storage"
)

// Writer is the durable write queue.
type Writer interface {
	WriteBatchAsync(ctx context.Context, batch []span.Record) (<-chan error, error)
}

// Publisher fans accepted spans out to live subscribers.
type Publisher interface {
	PublishSpans(batch []span.Record)
}

// Options configures an Ingestor.
type Options struct {
	// WaitDurable makes Ingest wait for the durable write result.
	WaitDurable bool `yaml:"wait_durable" envconfig:"INGEST_WAIT_DURABLE"`
}

// Ingestor is the single entry point for span batches.
type Ingestor struct {
	buffer    *ringbuf.Buffer
	writer    Writer
	sessions  *aggregate.SessionAggregator
	traces    *aggregate.TraceAggregator
	publisher Publisher
	clock     clock.Clock
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Deps groups the components an Ingestor feeds. Publisher may be nil.
type Deps struct {
	Buffer    *ringbuf.Buffer
	Writer    Writer
	Sessions  *aggregate.SessionAggregator
	Traces    *aggregate.TraceAggregator
	Publisher Publisher
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// New creates an Ingestor.
func New(deps Deps, opts Options) *Ingestor {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Ingestor{
		buffer:    deps.Buffer,
		writer:    deps.Writer,
		sessions:  deps.Sessions,
		traces:    deps.Traces,
		publisher: deps.Publisher,
		clock:     clk,
		opts:      opts,
		logger:    logging.OrNop(deps.Logger).Named("ingest"),
		metrics:   deps.Metrics,
	}
}

// Ingest validates and normalizes batch, then pushes the accepted spans
// to every tier. Invalid spans are rejected one by one and reported in the
// result; the rest continue.
//
// The hot buffer, aggregators and subscribers see accepted spans before
// they are durable. If the durable write fails the error is returned
// alongside a result that still counts them as accepted.
func (in *Ingestor) Ingest(ctx context.Context, batch []span.Record) (*storage.StoreResult, error) {
	result := &storage.StoreResult{}
	now := in.clock.Now()

	accepted := make([]span.Record, 0, len(batch))
	for i := range batch {
		r := batch[i]
		if err := span.Validate(&r); err != nil {
			result.AddError(err.Error())
			continue
		}
		span.Normalize(&r, now)
		accepted = append(accepted, r)
	}
	result.Accepted = len(accepted)
	in.metrics.Ingested(result.Accepted, result.Rejected)

	if result.HasRejections() {
		in.logger.Debug("rejected spans",
			zap.Int("rejected", result.Rejected), zap.String("first", result.ErrorMessage()))
	}
	if len(accepted) == 0 {
		return result, nil
	}

	in.buffer.PushRange(accepted)
	done, err := in.writer.WriteBatchAsync(ctx, accepted)

	in.sessions.AddSpans(accepted)
	in.traces.AddSpans(accepted)
	in.metrics.SetLive(in.sessions.Len(), in.traces.Len())
	if in.publisher != nil {
		in.publisher.PublishSpans(accepted)
	}

	if err != nil {
		in.logger.Warn("durable enqueue failed", zap.Int("spans", len(accepted)), zap.Error(err))
		return result, fmt.Errorf("enqueue %d spans: %w", len(accepted), err)
	}
	if !in.opts.WaitDurable {
		return result, nil
	}

	select {
	case err := <-done:
		if err != nil {
			return result, fmt.Errorf("persist %d spans: %w", len(accepted), err)
		}
		return result, nil
	case <-ctx.Done():
		return result, storage.NewTransientError("waiting for durable write", ctx.Err())
	}
}
