package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	queryTimeout  = 5 * time.Second
	queryRowLimit = 1000
)

// handleQuery runs an ad-hoc SELECT on a leased read connection.
func (a *api) handleQuery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestID(r.Context())
	query := strings.TrimSpace(r.FormValue("sql"))

	if query == "" {
		writeError(w, http.StatusBadRequest, "missing sql parameter")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(query), "SELECT") {
		writeError(w, http.StatusBadRequest, "only SELECT queries allowed")
		return
	}
	if strings.Contains(query, ";") {
		writeError(w, http.StatusBadRequest, "multi-statement queries not allowed")
		return
	}
	if !strings.Contains(strings.ToUpper(query), "LIMIT") {
		query = fmt.Sprintf("%s LIMIT %d", query, queryRowLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	lease, err := a.Store.GetReadConnection(ctx)
	if err != nil {
		a.writeStorageError(w, r, "query", err)
		return
	}
	defer lease.Release()

	rows, err := lease.Conn.QueryContext(ctx, query)
	if err != nil {
		a.logger.Debug("query error", zap.String("request_id", reqID), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer rows.Close()

	cols, results, err := collectRows(rows)
	if err != nil {
		a.logger.Error("query scan failed", zap.String("request_id", reqID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "error reading results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"columns": cols,
		"rows":    results,
		"count":   len(results),
	})
}

func collectRows(rows *sql.Rows) ([]string, []map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	results := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = vals[i]
		}
		results = append(results, row)
	}
	return cols, results, rows.Err()
}
