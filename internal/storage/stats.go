package storage

import (
	"context"
	"database/sql"
	"os"
)

// TableCounts holds row counts per table.
type TableCounts struct {
	Spans    int64 `json:"spans"`
	Insights int64 `json:"insights"`
}

// Stats describes the on-disk state of the store.
type Stats struct {
	DBPath       string         `json:"path"`
	DBSizeBytes  int64          `json:"size_bytes"`
	WALSizeBytes int64          `json:"wal_size_bytes"`
	Tables       TableCounts    `json:"tables"`
	LastArchive  *ArchiveResult `json:"last_archive,omitempty"`
}

// Stats returns table counts and database file sizes.
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.cfg.Path, LastArchive: s.LastArchive()}

	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			"SELECT (SELECT COUNT(*) FROM spans), (SELECT COUNT(*) FROM insights)",
		).Scan(&st.Tables.Spans, &st.Tables.Insights)
	})
	if err != nil {
		return nil, wrapQueryError("failed to count tables", err)
	}

	if s.cfg.Path != "" {
		st.DBSizeBytes = fileSize(s.cfg.Path)
		st.WALSizeBytes = fileSize(s.cfg.Path + ".wal")
	}
	return st, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Clear deletes every span and insight. Queued writes that have not been
// flushed yet may land after Clear returns.
func (s *Storage) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewPersistentError("failed to start clear transaction", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"spans", "insights"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return NewPersistentError("failed to clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return NewPersistentError("failed to commit clear", err)
	}
	s.logger.Info("storage cleared")
	return nil
}
