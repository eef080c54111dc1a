package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// ReadLease is a read connection borrowed from the bounded pool. The
// holder must call Release exactly when done; extra calls are no-ops.
type ReadLease struct {
	Conn *sql.Conn

	once    sync.Once
	release func()
}

// Release returns the connection and frees the pool slot.
func (l *ReadLease) Release() {
	l.once.Do(l.release)
}

// GetReadConnection leases a connection from the read pool. At most
// MaxReadConns leases are outstanding; further callers wait up to
// ReadAcquireTimeout (or until ctx ends) and then get a transient error.
// This wait is the backpressure applied to readers of the engine.
func (s *Storage) GetReadConnection(ctx context.Context) (*ReadLease, error) {
	start := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadAcquireTimeout)
	defer cancel()

	if err := s.readSem.Acquire(acquireCtx, 1); err != nil {
		s.metrics.ReadLeaseTimedOut()
		return nil, NewTransientError("read pool exhausted", err)
	}
	s.metrics.ReadLeaseAcquired(time.Since(start))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.readSem.Release(1)
		return nil, NewPersistentError("failed to get read connection", err)
	}

	return &ReadLease{
		Conn: conn,
		release: func() {
			conn.Close()
			s.readSem.Release(1)
		},
	}, nil
}

// WithReadConnection runs fn with a leased connection and releases it on
// every exit path, panics included.
func (s *Storage) WithReadConnection(ctx context.Context, fn func(conn *sql.Conn) error) error {
	lease, err := s.GetReadConnection(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn)
}
