package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Insight is one materialized tier document.
type Insight struct {
	Tier                       string    `json:"tier"`
	Content                    string    `json:"content"`
	ContentHash                string    `json:"content_hash"`
	MaterializedAt             time.Time `json:"materialized_at"`
	SpanCountAtMaterialization int64     `json:"span_count_at_materialization"`
	DurationMs                 int64     `json:"duration_ms"`
}

const insightColumns = `tier, content, content_hash, materialized_at, span_count_at_materialization, duration_ms`

// UpsertInsight replaces the stored document for ins.Tier.
// Insights are small and infrequent, so they bypass the span writer queue.
func (s *Storage) UpsertInsight(ctx context.Context, ins Insight) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (`+insightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tier) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			materialized_at = excluded.materialized_at,
			span_count_at_materialization = excluded.span_count_at_materialization,
			duration_ms = excluded.duration_ms`,
		ins.Tier, ins.Content, ins.ContentHash, ins.MaterializedAt.UTC(),
		ins.SpanCountAtMaterialization, ins.DurationMs)
	if err != nil {
		return NewPersistentError("failed to upsert insight "+ins.Tier, err)
	}
	return nil
}

// GetInsightHash returns the stored content hash for tier.
func (s *Storage) GetInsightHash(ctx context.Context, tier string) (string, bool, error) {
	var hash string
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			"SELECT content_hash FROM insights WHERE tier = ?", tier).Scan(&hash)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapQueryError("failed to read insight hash", err)
	}
	return hash, true, nil
}

// GetInsight returns the stored document for tier, or nil if none exists.
func (s *Storage) GetInsight(ctx context.Context, tier string) (*Insight, error) {
	var ins Insight
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		return scanInsight(conn.QueryRowContext(ctx,
			"SELECT "+insightColumns+" FROM insights WHERE tier = ?", tier), &ins)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapQueryError("failed to read insight", err)
	}
	return &ins, nil
}

// ListInsights returns every stored document ordered by tier.
func (s *Storage) ListInsights(ctx context.Context) ([]Insight, error) {
	var out []Insight
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, "SELECT "+insightColumns+" FROM insights ORDER BY tier")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ins Insight
			if err := scanInsight(rows, &ins); err != nil {
				return err
			}
			out = append(out, ins)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError("failed to list insights", err)
	}
	return out, nil
}

func scanInsight(row rowScanner, ins *Insight) error {
	if err := row.Scan(&ins.Tier, &ins.Content, &ins.ContentHash, &ins.MaterializedAt,
		&ins.SpanCountAtMaterialization, &ins.DurationMs); err != nil {
		return err
	}
	ins.MaterializedAt = ins.MaterializedAt.UTC()
	return nil
}

// wrapQueryError keeps typed errors (a lease timeout stays transient) and
// classifies anything else as persistent.
func wrapQueryError(message string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return NewPersistentError(message, err)
}
