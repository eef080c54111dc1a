package storage

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"tailspin/internal/span"
)

// appendSpans bulk-inserts records through a DuckDB Appender on the
// writer connection. Row order within the call is preserved. The append
// runs in one transaction, so a failed call persists none of its rows.
func (s *Storage) appendSpans(ctx context.Context, records []span.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return NewTransientError("write cancelled", err)
	}

	rows := make([][]driver.Value, len(records))
	for i := range records {
		rows[i] = flattenRecord(&records[i])
	}

	if _, err := s.writeConn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return NewTransientError("failed to begin span write", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, err := s.writeConn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
				s.logger.Debug("rollback after failed span write", zap.Error(err))
			}
		}
	}()

	var appender *duckdb.Appender
	err := s.writeConn.Raw(func(driverConn any) error {
		duckConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("unexpected connection type: %T", driverConn)
		}
		var appErr error
		appender, appErr = duckdb.NewAppenderFromConn(duckConn, "", "spans")
		return appErr
	})
	if err != nil {
		return NewPersistentError("failed to create appender", err)
	}

	for i, row := range rows {
		if err := appender.AppendRow(row...); err != nil {
			appender.Close()
			return NewPersistentError(fmt.Sprintf("span %s/%s", records[i].TraceID, records[i].SpanID), err)
		}
	}

	// Close flushes the remaining rows into the open transaction.
	if err := appender.Close(); err != nil {
		return NewPersistentError("failed to flush spans", err)
	}
	if _, err := s.writeConn.ExecContext(ctx, "COMMIT"); err != nil {
		return NewPersistentError("failed to commit spans", err)
	}
	committed = true
	return nil
}
