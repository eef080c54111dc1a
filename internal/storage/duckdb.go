package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tailspin/internal/logging"
	"tailspin/internal/metrics"
)

// Config holds storage configuration.
type Config struct {
	// Path of the DuckDB file. Empty means an in-memory database.
	Path string `yaml:"path" envconfig:"DB_PATH"`
	// MaxReadConns caps concurrent read leases.
	MaxReadConns int `yaml:"max_read_conns" envconfig:"DB_MAX_READ_CONNS"`
	// ReadAcquireTimeout bounds the wait for a read lease.
	ReadAcquireTimeout time.Duration `yaml:"read_acquire_timeout" envconfig:"DB_READ_ACQUIRE_TIMEOUT"`
	// WriteQueueSize is the number of batches the writer queue holds.
	WriteQueueSize int `yaml:"write_queue_size" envconfig:"DB_WRITE_QUEUE_SIZE"`
	// MaxCoalesceRows caps how many queued rows go into one appender flush.
	MaxCoalesceRows int `yaml:"max_coalesce_rows" envconfig:"DB_MAX_COALESCE_ROWS"`
}

func (c *Config) applyDefaults() {
	if c.MaxReadConns < 1 {
		c.MaxReadConns = 8
	}
	if c.ReadAcquireTimeout <= 0 {
		c.ReadAcquireTimeout = 5 * time.Second
	}
	if c.WriteQueueSize < 1 {
		c.WriteQueueSize = 256
	}
	if c.MaxCoalesceRows < 1 {
		c.MaxCoalesceRows = 5000
	}
}

// Storage provides database operations. Writes go through a single
// serialized writer; reads go through a bounded pool of leased
// connections.
type Storage struct {
	db      *sql.DB
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// write path
	writeConn   *sql.Conn
	writeCh     chan writeRequest
	writeMu     sync.RWMutex
	writeClosed bool
	writerStop  chan struct{}
	writerWG    sync.WaitGroup

	// read path
	readSem *semaphore.Weighted

	// archival
	archiveMu      sync.Mutex
	archiveRunning chan struct{}
	lastArchiveMu  sync.RWMutex
	lastArchive    *ArchiveResult
}

// Open creates a Storage connected to DuckDB, initializes the schema and
// starts the writer goroutine.
func Open(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Storage, error) {
	cfg.applyDefaults()
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, NewPersistentError("failed to open duckdb", err)
	}

	// Verify connection works
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, NewPersistentError("failed to ping duckdb", err)
	}

	s := &Storage{
		db:             db,
		cfg:            cfg,
		logger:         logging.OrNop(logger).Named("storage"),
		metrics:        m,
		writeCh:        make(chan writeRequest, cfg.WriteQueueSize),
		writerStop:     make(chan struct{}),
		readSem:        semaphore.NewWeighted(int64(cfg.MaxReadConns)),
		archiveRunning: make(chan struct{}, 1),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, NewPersistentError("failed to initialize schema", err)
	}

	s.writeConn, err = db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, NewPersistentError("failed to open writer connection", err)
	}

	s.writerWG.Add(1)
	go s.runWriter()

	s.logger.Info("storage opened",
		zap.String("path", dsn),
		zap.Int("max_read_conns", cfg.MaxReadConns),
		zap.Int("write_queue_size", cfg.WriteQueueSize))
	return s, nil
}

// initSchema creates the database tables and views if they don't exist.
func (s *Storage) initSchema(ctx context.Context) error {
	statements := []string{
		spansSchema, spansIndexes, spanViews,
		insightsSchema,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Health checks if the database connection is healthy.
func (s *Storage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the configured database path ("" for in-memory).
func (s *Storage) Path() string {
	return s.cfg.Path
}

// Close stops accepting writes, drains the writer queue and closes the
// database.
func (s *Storage) Close() error {
	s.writeMu.Lock()
	if s.writeClosed {
		s.writeMu.Unlock()
		return nil
	}
	s.writeClosed = true
	s.writeMu.Unlock()

	close(s.writerStop)
	s.writerWG.Wait()

	if err := s.writeConn.Close(); err != nil {
		s.logger.Warn("closing writer connection", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close duckdb: %w", err)
	}
	s.logger.Info("storage closed")
	return nil
}
