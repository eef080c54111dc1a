package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tailspin/internal/clock"
	"tailspin/internal/span"
)

// ArchiveConfig holds archival configuration.
type ArchiveConfig struct {
	Dir            string `yaml:"dir" envconfig:"ARCHIVE_DIR"`
	RetentionHours int    `yaml:"retention_hours" envconfig:"ARCHIVE_RETENTION_HOURS"`
	IntervalMins   int    `yaml:"interval_mins" envconfig:"ARCHIVE_INTERVAL_MINS"`
}

// ArchiveResult contains the outcome of an archive run.
type ArchiveResult struct {
	File      string        `json:"file,omitempty"`
	Rows      int64         `json:"rows"`
	Cutoff    time.Time     `json:"cutoff"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

const archivePrefix = "spans_"

// ArchiveToParquet moves spans that started before olderThan into a
// parquet file under dir. Count, copy, verify and delete share one
// transaction; on any failure the transaction is rolled back and the
// partial file removed, so rows are never lost or archived twice.
// No file is written when nothing qualifies.
func (s *Storage) ArchiveToParquet(ctx context.Context, dir string, olderThan time.Time) (*ArchiveResult, error) {
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	start := time.Now()
	cutoff := olderThan.UnixNano()
	result := &ArchiveResult{Cutoff: olderThan.UTC(), Timestamp: start.UTC()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewPersistentError("failed to start archive transaction", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM spans WHERE start_time_unix_nano < ?", cutoff).Scan(&result.Rows); err != nil {
		return nil, NewPersistentError("failed to count archivable spans", err)
	}
	if result.Rows == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewPersistentError("failed to create archive dir", err)
	}
	file := filepath.Join(dir, fmt.Sprintf("%s%d_%s.parquet", archivePrefix, cutoff, uuid.NewString()))

	keep := false
	defer func() {
		if !keep {
			os.Remove(file)
		}
	}()

	copyStmt := fmt.Sprintf(`COPY (
		SELECT * FROM spans WHERE start_time_unix_nano < %d
		ORDER BY start_time_unix_nano, trace_id, span_id
	) TO %s (FORMAT PARQUET, COMPRESSION ZSTD)`, cutoff, quoteLiteral(file))
	if _, err := tx.ExecContext(ctx, copyStmt); err != nil {
		return nil, NewPersistentError("failed to copy spans to parquet", err)
	}

	var written int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM read_parquet("+quoteLiteral(file)+")").Scan(&written); err != nil {
		return nil, NewPersistentError("failed to verify archive", err)
	}
	if written != result.Rows {
		return nil, &StorageError{
			Type:    ErrorTypeInvalidData,
			Message: fmt.Sprintf("archive row count mismatch: counted %d, wrote %d", result.Rows, written),
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM spans WHERE start_time_unix_nano < ?", cutoff); err != nil {
		return nil, NewPersistentError("failed to delete archived spans", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, NewPersistentError("failed to commit archive", err)
	}
	keep = true

	// Checkpoint to flush WAL
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		s.logger.Warn("archive checkpoint failed", zap.Error(err))
	}

	result.File = file
	result.Duration = time.Since(start)
	s.metrics.Archived(result.Rows)
	return result, nil
}

// archiveFiles lists archive files in dir, oldest cutoff first.
func archiveFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// ReadArchive reconstructs every span stored in the archive files under
// dir, ordered by start time.
func (s *Storage) ReadArchive(ctx context.Context, dir string) ([]span.Record, error) {
	return s.readArchive(ctx, dir, "")
}

// ArchivedSpansByTrace returns the archived spans of one trace.
func (s *Storage) ArchivedSpansByTrace(ctx context.Context, dir, traceID string) ([]span.Record, error) {
	return s.readArchive(ctx, dir, "WHERE trace_id = ?", traceID)
}

func (s *Storage) readArchive(ctx context.Context, dir, where string, args ...any) ([]span.Record, error) {
	files, err := archiveFiles(dir)
	if err != nil {
		return nil, NewPersistentError("failed to list archive dir", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = quoteLiteral(f)
	}
	query := fmt.Sprintf(`SELECT %s FROM read_parquet([%s]) %s
		ORDER BY start_time_unix_nano, trace_id, span_id`, spanColumns, strings.Join(quoted, ", "), where)

	var out []span.Record
	err = s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return NewPersistentError("failed to read archive", err)
		}
		defer rows.Close()
		out, err = scanSpans(rows)
		return err
	})
	return out, err
}

// StartArchiveWorker starts the periodic archive loop and blocks until ctx
// is cancelled. Returns immediately if retention is disabled (hours=0).
func (s *Storage) StartArchiveWorker(ctx context.Context, cfg ArchiveConfig, clk clock.Clock) {
	if cfg.RetentionHours == 0 {
		s.logger.Info("retention disabled, archive worker not started")
		return
	}
	if cfg.IntervalMins < 1 {
		cfg.IntervalMins = 1
	}

	s.logger.Info("archive worker started",
		zap.String("dir", cfg.Dir),
		zap.Int("retention_hours", cfg.RetentionHours),
		zap.Int("interval_mins", cfg.IntervalMins))

	// Run once at startup
	s.runArchive(ctx, cfg, clk)

	ticker := clk.NewTicker(time.Duration(cfg.IntervalMins) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("archive worker stopped")
			return
		case <-ticker.C:
			s.runArchive(ctx, cfg, clk)
		}
	}
}

// runArchive executes a single archive cycle. Failures are logged and
// retried on the next tick.
func (s *Storage) runArchive(ctx context.Context, cfg ArchiveConfig, clk clock.Clock) {
	// Try to acquire the single-flight slot (non-blocking)
	select {
	case s.archiveRunning <- struct{}{}:
		defer func() { <-s.archiveRunning }()
	default:
		s.logger.Debug("archive already in progress, skipping")
		return
	}

	cutoff := clk.Now().Add(-time.Duration(cfg.RetentionHours) * time.Hour)
	result, err := s.ArchiveToParquet(ctx, cfg.Dir, cutoff)
	if err != nil {
		s.logger.Error("archive failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return
	}

	s.lastArchiveMu.Lock()
	s.lastArchive = result
	s.lastArchiveMu.Unlock()

	if result.Rows > 0 {
		s.logger.Info("archive completed",
			zap.String("file", result.File),
			zap.Int64("rows", result.Rows),
			zap.Duration("duration", result.Duration.Round(time.Millisecond)))
	} else {
		s.logger.Debug("archive completed: no spans past retention")
	}
}

// LastArchive returns the most recent worker result, or nil.
func (s *Storage) LastArchive() *ArchiveResult {
	s.lastArchiveMu.RLock()
	defer s.lastArchiveMu.RUnlock()
	return s.lastArchive
}
