package storage

import (
	"database/sql"
	"database/sql/driver"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"tailspin/internal/span"
)

// unixNanoToTime converts nanoseconds to a UTC time.Time.
// Precision loss (nano → micro) in TIMESTAMP columns is acceptable; the
// exact value is kept in the *_unix_nano columns.
func unixNanoToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// nullableInt turns an optional count into an appender value (nil = NULL).
func nullableInt(v *int64) driver.Value {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) driver.Value {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}

func blobString(b json.RawMessage) driver.Value {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// flattenRecord converts a record into one spans-table row, in table
// column order.
func flattenRecord(r *span.Record) []driver.Value {
	return []driver.Value{
		r.TraceID,
		r.SpanID,
		nullableString(r.ParentSpanID),
		nullableString(r.SessionID),
		span.SessionKey(r),
		r.Name,
		int8(r.Kind),
		unixNanoToTime(r.StartTimeUnixNano),
		r.StartTimeUnixNano,
		r.EndTimeUnixNano,
		r.DurationNs,
		int8(r.StatusCode),
		nullableString(r.StatusMessage),
		nullableString(r.ServiceName),
		nullableString(r.Provider),
		nullableString(r.Model),
		nullableInt(r.InputTokens),
		nullableInt(r.OutputTokens),
		nullableFloat(r.CostUSD),
		blobString(r.Attributes),
		blobString(r.Resource),
		nullableString(r.SchemaURL),
		r.CreatedAt.UTC(),
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSpan reads one row projected with spanColumns.
func scanSpan(row rowScanner) (span.Record, error) {
	var r span.Record
	var parent, session, statusMsg, service sql.NullString
	var provider, model, attrs, resource, schema sql.NullString
	var kind, status int64
	var inputTokens, outputTokens sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(
		&r.TraceID, &r.SpanID, &parent, &session, &r.Name, &kind,
		&r.StartTimeUnixNano, &r.EndTimeUnixNano, &r.DurationNs, &status, &statusMsg,
		&service, &provider, &model, &inputTokens, &outputTokens,
		&cost, &attrs, &resource, &schema, &r.CreatedAt,
	)
	if err != nil {
		return span.Record{}, err
	}

	r.ParentSpanID = parent.String
	r.SessionID = session.String
	r.Kind = span.Kind(kind)
	r.StatusCode = span.StatusCode(status)
	r.StatusMessage = statusMsg.String
	r.ServiceName = service.String
	r.Provider = provider.String
	r.Model = model.String
	if inputTokens.Valid {
		r.InputTokens = span.Int64(inputTokens.Int64)
	}
	if outputTokens.Valid {
		r.OutputTokens = span.Int64(outputTokens.Int64)
	}
	if cost.Valid {
		r.CostUSD = span.Float64(cost.Float64)
	}
	if attrs.Valid {
		r.Attributes = json.RawMessage(attrs.String)
	}
	if resource.Valid {
		r.Resource = json.RawMessage(resource.String)
	}
	r.SchemaURL = schema.String
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func scanSpans(rows *sql.Rows) ([]span.Record, error) {
	var out []span.Record
	for rows.Next() {
		r, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// quoteLiteral renders s as a SQL string literal. Used only where DuckDB
// does not accept bound parameters (COPY targets, read_parquet paths).
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
