package storage

import (
	"context"

	"go.uber.org/zap"

	"tailspin/internal/span"
)

// writeRequest is one queued batch and the channel its result goes to.
type writeRequest struct {
	batch []span.Record
	done  chan error
}

// WriteBatchAsync enqueues batch for the serialized writer. The returned
// channel receives exactly one result once the batch has been flushed.
//
// Every flush is a single transaction: a batch whose result is an error
// persisted none of its rows, and the batch-by-batch retry after a failed
// coalesced flush cannot duplicate rows. Delivery is still at-least-once
// across callers: a caller that gives up waiting and resends may land the
// same spans twice. Row order is preserved within a batch, not across
// batches.
func (s *Storage) WriteBatchAsync(ctx context.Context, batch []span.Record) (<-chan error, error) {
	done := make(chan error, 1)
	if len(batch) == 0 {
		done <- nil
		return done, nil
	}

	s.writeMu.RLock()
	defer s.writeMu.RUnlock()
	if s.writeClosed {
		return nil, NewTransientError("write queue closed", ErrClosed)
	}

	select {
	case s.writeCh <- writeRequest{batch: batch, done: done}:
		return done, nil
	case <-ctx.Done():
		return nil, NewTransientError("write queue full", ctx.Err())
	}
}

// WriteBatch enqueues batch and waits for the flush result.
func (s *Storage) WriteBatch(ctx context.Context, batch []span.Record) error {
	done, err := s.WriteBatchAsync(ctx, batch)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return NewTransientError("waiting for write", ctx.Err())
	}
}

// runWriter is the single writer goroutine. It drains the queue until
// Close, coalescing whatever is already queued into one flush.
func (s *Storage) runWriter() {
	defer s.writerWG.Done()

	for {
		select {
		case req := <-s.writeCh:
			s.flush(s.coalesce(req))
		case <-s.writerStop:
			// Drain remaining requests
			for {
				select {
				case req := <-s.writeCh:
					s.flush(s.coalesce(req))
				default:
					return
				}
			}
		}
	}
}

// coalesce gathers queued requests behind first without blocking, up to
// MaxCoalesceRows rows.
func (s *Storage) coalesce(first writeRequest) []writeRequest {
	reqs := []writeRequest{first}
	rows := len(first.batch)
	for rows < s.cfg.MaxCoalesceRows {
		select {
		case req := <-s.writeCh:
			reqs = append(reqs, req)
			rows += len(req.batch)
		default:
			return reqs
		}
	}
	return reqs
}

// flush writes coalesced requests in one appender pass. If that fails and
// more than one batch was involved, each batch is retried on its own so a
// bad batch cannot fail its neighbours.
func (s *Storage) flush(reqs []writeRequest) {
	ctx := context.Background()

	if len(reqs) == 1 {
		err := s.appendSpans(ctx, reqs[0].batch)
		s.metrics.WriteFlushed(len(reqs[0].batch), err)
		s.report(reqs[0], err)
		return
	}

	rows := 0
	for _, req := range reqs {
		rows += len(req.batch)
	}
	combined := make([]span.Record, 0, rows)
	for _, req := range reqs {
		combined = append(combined, req.batch...)
	}

	err := s.appendSpans(ctx, combined)
	s.metrics.WriteFlushed(rows, err)
	if err == nil {
		for _, req := range reqs {
			s.report(req, nil)
		}
		return
	}

	s.logger.Warn("coalesced flush failed, retrying batches individually",
		zap.Int("batches", len(reqs)), zap.Int("rows", rows), zap.Error(err))
	for _, req := range reqs {
		err := s.appendSpans(ctx, req.batch)
		s.metrics.WriteFlushed(len(req.batch), err)
		s.report(req, err)
	}
}

func (s *Storage) report(req writeRequest, err error) {
	if err != nil {
		s.logger.Error("span batch write failed", zap.Int("rows", len(req.batch)), zap.Error(err))
	}
	req.done <- err
}
