package storage

// SQL schemas for span storage.
// Tables: spans, insights. Views: span_errors, session_summaries.

const spansSchema = `
CREATE TABLE IF NOT EXISTS spans (
    -- Identity
    trace_id VARCHAR NOT NULL,
    span_id VARCHAR NOT NULL,
    parent_span_id VARCHAR,
    session_id VARCHAR,
    -- Resolved grouping key: session_id, session attribute or trace_id
    session_key VARCHAR NOT NULL,

    -- Span metadata
    name VARCHAR NOT NULL,
    kind TINYINT NOT NULL,

    -- Timing: exact nanoseconds plus a TIMESTAMP for readability
    start_time TIMESTAMP NOT NULL,
    start_time_unix_nano BIGINT NOT NULL,
    end_time_unix_nano BIGINT NOT NULL,
    duration_ns BIGINT NOT NULL,

    -- Status
    status_code TINYINT NOT NULL,
    status_message VARCHAR,
    service_name VARCHAR,

    -- GenAI (NULL when not reported)
    gen_ai_provider VARCHAR,
    gen_ai_model VARCHAR,
    gen_ai_input_tokens BIGINT,
    gen_ai_output_tokens BIGINT,
    gen_ai_cost_usd DOUBLE,

    -- Opaque JSON blobs
    attributes VARCHAR,
    resource VARCHAR,
    schema_url VARCHAR,

    -- Ingestion metadata
    created_at TIMESTAMP NOT NULL
);
`

const spansIndexes = `
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_session_key ON spans(session_key);
CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time_unix_nano);
`

const spanViews = `
CREATE OR REPLACE VIEW span_errors AS
SELECT trace_id, span_id, session_key, service_name, name, status_message,
       start_time, start_time_unix_nano, duration_ns
FROM spans
WHERE status_code = 2;

CREATE OR REPLACE VIEW session_summaries AS
SELECT session_key AS session_id,
       MIN(start_time_unix_nano) AS start_time_unix_nano,
       MAX(end_time_unix_nano) AS end_time_unix_nano,
       COUNT(*) AS span_count,
       COUNT(DISTINCT trace_id) AS trace_count,
       CAST(SUM(CASE WHEN status_code = 2 THEN 1 ELSE 0 END) AS BIGINT) AS error_count,
       CAST(SUM(COALESCE(gen_ai_input_tokens, 0) + COALESCE(gen_ai_output_tokens, 0)) AS BIGINT) AS total_tokens,
       CAST(SUM(COALESCE(gen_ai_cost_usd, 0)) AS DOUBLE) AS total_cost_usd
FROM spans
GROUP BY session_key;
`

const insightsSchema = `
CREATE TABLE IF NOT EXISTS insights (
    tier VARCHAR PRIMARY KEY,
    content VARCHAR NOT NULL,
    content_hash VARCHAR NOT NULL,
    materialized_at TIMESTAMP NOT NULL,
    span_count_at_materialization BIGINT NOT NULL,
    duration_ms BIGINT NOT NULL
);
`

// spanColumns is the projection scanned back into span.Record, in the
// order expected by scanSpan.
const spanColumns = `trace_id, span_id, parent_span_id, session_id, name, kind,
    start_time_unix_nano, end_time_unix_nano, duration_ns, status_code, status_message,
    service_name, gen_ai_provider, gen_ai_model, gen_ai_input_tokens, gen_ai_output_tokens,
    gen_ai_cost_usd, attributes, resource, schema_url, created_at`
