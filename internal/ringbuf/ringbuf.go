// Package ringbuf holds the hot tier: a fixed-capacity circular buffer of
// the most recently ingested spans.
//
// The buffer is best-effort. Once full, each push silently overwrites the
// oldest slot; the durable store remains the source of truth. A
// monotonically increasing generation marks every mutation so readers can
// detect staleness by comparing generations across calls.
package ringbuf

import (
	"errors"
	"sync"

	"tailspin/internal/span"
)

// DefaultCapacity is used when the configuration leaves the size unset.
const DefaultCapacity = 10_000

// ErrInvalidCapacity is returned by New for capacities below one.
var ErrInvalidCapacity = errors.New("ringbuf: capacity must be at least 1")

// Buffer is a circular buffer of span records. All methods are safe for
// concurrent use.
type Buffer struct {
	mu    sync.Mutex
	slots []span.Record
	// head is the next slot to write (0 to cap-1).
	head int
	// count is the number of occupied slots, at most cap.
	count      int
	generation uint64
	// evicted counts records overwritten before being read out. It is the
	// overflow signal exported as a metric.
	evicted uint64
}

// New creates a buffer holding up to capacity records.
func New(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{slots: make([]span.Record, capacity)}, nil
}

// Push stores r, overwriting the oldest record when full, and bumps the
// generation.
func (b *Buffer) Push(r span.Record) {
	b.mu.Lock()
	b.writeLocked(r)
	b.generation++
	b.mu.Unlock()
}

// PushRange stores a batch under one lock acquisition with a single
// generation bump, so readers see either none or all of it. Later records
// in the batch are newer.
func (b *Buffer) PushRange(batch []span.Record) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	for i := range batch {
		b.writeLocked(batch[i])
	}
	b.generation++
	b.mu.Unlock()
}

func (b *Buffer) writeLocked(r span.Record) {
	if b.count == len(b.slots) {
		b.evicted++
	} else {
		b.count++
	}
	b.slots[b.head] = r
	b.head = (b.head + 1) % len(b.slots)
}

// GetLatest returns up to n of the most recent records, newest first,
// together with the generation they were read at.
func (b *Buffer) GetLatest(n int) ([]span.Record, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil, b.generation
	}
	out := make([]span.Record, n)
	for i := 0; i < n; i++ {
		out[i] = b.slots[b.indexFromNewestLocked(i)]
	}
	return out, b.generation
}

// Query scans newest to oldest and returns records matching pred, at most
// max of them (max <= 0 means no limit beyond the capacity). Intended for
// point lookups; the scan is bounded by the buffer capacity.
func (b *Buffer) Query(pred func(*span.Record) bool, max int) []span.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []span.Record
	for i := 0; i < b.count; i++ {
		r := &b.slots[b.indexFromNewestLocked(i)]
		if !pred(r) {
			continue
		}
		out = append(out, *r)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// GetByTraceID returns buffered spans of one trace, newest first.
func (b *Buffer) GetByTraceID(traceID string, max int) []span.Record {
	return b.Query(func(r *span.Record) bool { return r.TraceID == traceID }, max)
}

// GetBySessionID returns buffered spans of one session, newest first.
func (b *Buffer) GetBySessionID(sessionID string, max int) []span.Record {
	return b.Query(func(r *span.Record) bool { return span.SessionKey(r) == sessionID }, max)
}

// indexFromNewestLocked maps an age (0 = newest) to a slot index.
func (b *Buffer) indexFromNewestLocked(age int) int {
	idx := b.head - 1 - age
	for idx < 0 {
		idx += len(b.slots)
	}
	return idx
}

// Generation returns the current mutation version.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.slots)
}

// Evicted returns how many records were overwritten since creation.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
