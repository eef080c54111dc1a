package storage

import (
	"context"
	"database/sql"
	"time"

	"tailspin/internal/span"
)

// ServiceEdge is a caller -> callee relation between two services,
// derived from parent/child spans whose service names differ.
type ServiceEdge struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
	Calls  int64  `json:"calls"`
	Errors int64  `json:"errors"`
}

// ServiceSummary rolls up every span of one service.
type ServiceSummary struct {
	Service string  `json:"service"`
	Spans   int64   `json:"spans"`
	Errors  int64   `json:"errors"`
	Traces  int64   `json:"traces"`
	P95Ms   float64 `json:"p95_ms"`
}

// OperationProfile is the latency profile of one (service, span name).
type OperationProfile struct {
	Service   string  `json:"service"`
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	MaxMs     float64 `json:"max_ms"`
}

// ModelUsage is token and cost usage per GenAI provider and model.
type ModelUsage struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ErrorGroup counts error spans sharing service, operation and message.
type ErrorGroup struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Count     int64  `json:"count"`
}

// SessionSummary is one row of the session_summaries view.
type SessionSummary struct {
	SessionID         string  `json:"session_id"`
	StartTimeUnixNano int64   `json:"start_time_unix_nano"`
	EndTimeUnixNano   int64   `json:"end_time_unix_nano"`
	SpanCount         int64   `json:"span_count"`
	TraceCount        int64   `json:"trace_count"`
	ErrorCount        int64   `json:"error_count"`
	TotalTokens       int64   `json:"total_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// querySpans runs a span projection on a leased read connection.
func (s *Storage) querySpans(ctx context.Context, query string, args ...any) ([]span.Record, error) {
	var out []span.Record
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanSpans(rows)
		return err
	})
	if err != nil {
		return nil, wrapQueryError("failed to query spans", err)
	}
	return out, nil
}

// SpansByTrace returns the spans of one trace ordered by start time.
func (s *Storage) SpansByTrace(ctx context.Context, traceID string) ([]span.Record, error) {
	return s.querySpans(ctx, `SELECT `+spanColumns+` FROM spans
		WHERE trace_id = ?
		ORDER BY start_time_unix_nano, span_id`, traceID)
}

// SpansBySession returns the spans grouped under a session key ordered by
// start time.
func (s *Storage) SpansBySession(ctx context.Context, sessionID string) ([]span.Record, error) {
	return s.querySpans(ctx, `SELECT `+spanColumns+` FROM spans
		WHERE session_key = ?
		ORDER BY start_time_unix_nano, trace_id, span_id`, sessionID)
}

// SpansSince returns spans that started at or after since, oldest first.
// With limit > 0 only the newest limit spans are kept, so a capped read
// still covers the most recent activity. limit <= 0 means no limit.
func (s *Storage) SpansSince(ctx context.Context, since time.Time, limit int) ([]span.Record, error) {
	if limit <= 0 {
		return s.querySpans(ctx, `SELECT `+spanColumns+` FROM spans
			WHERE start_time_unix_nano >= ?
			ORDER BY start_time_unix_nano, trace_id, span_id`, since.UnixNano())
	}
	return s.querySpans(ctx, `SELECT `+spanColumns+` FROM (
			SELECT `+spanColumns+` FROM spans
			WHERE start_time_unix_nano >= ?
			ORDER BY start_time_unix_nano DESC, trace_id DESC, span_id DESC
			LIMIT ?
		)
		ORDER BY start_time_unix_nano, trace_id, span_id`, since.UnixNano(), limit)
}

// SpanCount returns the number of spans in the live table.
func (s *Storage) SpanCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM spans").Scan(&n)
	})
	if err != nil {
		return 0, wrapQueryError("failed to count spans", err)
	}
	return n, nil
}

// ServiceEdges returns the busiest cross-service call edges.
func (s *Storage) ServiceEdges(ctx context.Context, limit int) ([]ServiceEdge, error) {
	var out []ServiceEdge
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT p.service_name, c.service_name,
			       COUNT(*) AS calls,
			       CAST(SUM(CASE WHEN c.status_code = 2 THEN 1 ELSE 0 END) AS BIGINT) AS errors
			FROM spans c
			JOIN spans p ON c.trace_id = p.trace_id AND c.parent_span_id = p.span_id
			WHERE p.service_name IS NOT NULL AND c.service_name IS NOT NULL
			  AND p.service_name <> c.service_name
			GROUP BY p.service_name, c.service_name
			ORDER BY calls DESC, p.service_name, c.service_name
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e ServiceEdge
			if err := rows.Scan(&e.Parent, &e.Child, &e.Calls, &e.Errors); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError("failed to query service edges", err)
	}
	return out, nil
}

// ServiceSummaries returns per-service rollups ordered by span volume.
func (s *Storage) ServiceSummaries(ctx context.Context) ([]ServiceSummary, error) {
	var out []ServiceSummary
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT COALESCE(service_name, 'unknown') AS service,
			       COUNT(*) AS spans,
			       CAST(SUM(CASE WHEN status_code = 2 THEN 1 ELSE 0 END) AS BIGINT) AS errors,
			       COUNT(DISTINCT trace_id) AS traces,
			       CAST(quantile_cont(duration_ns, 0.95) / 1e6 AS DOUBLE) AS p95_ms
			FROM spans
			GROUP BY service
			ORDER BY spans DESC, service`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sum ServiceSummary
			if err := rows.Scan(&sum.Service, &sum.Spans, &sum.Errors, &sum.Traces, &sum.P95Ms); err != nil {
				return err
			}
			out = append(out, sum)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError("failed to query service summaries", err)
	}
	return out, nil
}

// OperationProfiles returns the slowest operations by p95 latency.
func (s *Storage) OperationProfiles(ctx context.Context, limit int) ([]OperationProfile, error) {
	var out []OperationProfile
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT COALESCE(service_name, 'unknown') AS service, name,
			       COUNT(*) AS count,
			       CAST(SUM(CASE WHEN status_code = 2 THEN 1 ELSE 0 END) AS BIGINT) AS errors,
			       CAST(AVG(duration_ns) / 1e6 AS DOUBLE) AS avg_ms,
			       CAST(quantile_cont(duration_ns, 0.5) / 1e6 AS DOUBLE) AS p50_ms,
			       CAST(quantile_cont(duration_ns, 0.95) / 1e6 AS DOUBLE) AS p95_ms,
			       CAST(MAX(duration_ns) / 1e6 AS DOUBLE) AS max_ms
			FROM spans
			GROUP BY service, name
			ORDER BY p95_ms DESC, service, name
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p OperationProfile
			if err := rows.Scan(&p.Service, &p.Operation, &p.Count, &p.Errors,
				&p.AvgMs, &p.P50Ms, &p.P95Ms, &p.MaxMs); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError("failed to query operation profiles", err)
	}
	return out, nil
}

// ModelUsage returns token and cost totals per provider and model, for
// spans that carry a model.
func (s *Storage) ModelUsage(ctx context.Context) ([]ModelUsage, error) {
	var out []ModelUsage
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT COALESCE(gen_ai_provider, 'unknown') AS provider, gen_ai_model,
			       COUNT(*) AS calls,
			       CAST(SUM(COALESCE(gen_ai_input_tokens, 0)) AS BIGINT) AS input_tokens,
			       CAST(SUM(COALESCE(gen_ai_output_tokens, 0)) AS BIGINT) AS output_tokens,
			       CAST(SUM(COALESCE(gen_ai_cost_usd, 0)) AS DOUBLE) AS cost_usd
			FROM spans
			WHERE gen_ai_model IS NOT NULL
			GROUP BY provider, gen_ai_model
			ORDER BY calls DESC, provider, gen_ai_model`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var u ModelUsage
			if err := rows.Scan(&u.Provider, &u.Model, &u.Calls,
				&u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError("failed to query model usage", err)
	}
	return out, nil
}

// ErrorGroups returns the most frequent error signatures.
func (s *Storage) ErrorGroups(ctx context.Context, limit int) ([]ErrorGroup, error) {
	var out []ErrorGroup
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT COALESCE(service_name, 'unknown') AS service, name,
			       COALESCE(status_message, '') AS message,
			       COUNT(*) AS count
			FROM span_errors
			GROUP BY service, name, message
			ORDER BY count DESC, service, name, message
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g ErrorGroup
			if err := rows.Scan(&g.Service, &g.Operation, &g.Message, &g.Count); err != nil {
				return err
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError("failed to query error groups", err)
	}
	return out, nil
}

// SessionSummaries returns the most recent sessions from the
// session_summaries view.
func (s *Storage) SessionSummaries(ctx context.Context, limit int) ([]SessionSummary, error) {
	var out []SessionSummary
	err := s.WithReadConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT session_id, start_time_unix_nano, end_time_unix_nano, span_count,
			       trace_count, error_count, total_tokens, total_cost_usd
			FROM session_summaries
			ORDER BY start_time_unix_nano DESC, session_id
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sum SessionSummary
			if err := rows.Scan(&sum.SessionID, &sum.StartTimeUnixNano, &sum.EndTimeUnixNano,
				&sum.SpanCount, &sum.TraceCount, &sum.ErrorCount,
				&sum.TotalTokens, &sum.TotalCostUSD); err != nil {
				return err
			}
			out = append(out, sum)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError("failed to query session summaries", err)
	}
	return out, nil
}
