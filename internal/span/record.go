// Package span defines the canonical span record shared by every stage of
// the ingestion path, plus the validation and attribute resolution rules
// applied at the ingestion boundary.
package span

import (
	"time"

	"github.com/goccy/go-json"
)

// StatusCode mirrors the OTLP status codes.
type StatusCode int8

const (
	StatusUnset StatusCode = 0
	StatusOk    StatusCode = 1
	StatusError StatusCode = 2
)

func (c StatusCode) String() string {
	switch c {
	case StatusOk:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Kind mirrors the OTLP span kinds (0 unspecified .. 5 consumer).
type Kind int8

const (
	KindUnspecified Kind = iota
	KindInternal
	KindServer
	KindClient
	KindProducer
	KindConsumer
)

// Record is a decoded span as delivered by the upstream protocol layer.
// Records are immutable once stored; byte slices are shared, never mutated.
type Record struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`

	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	StartTimeUnixNano int64 `json:"start_time_unix_nano"`
	EndTimeUnixNano   int64 `json:"end_time_unix_nano"`
	DurationNs        int64 `json:"duration_ns"`

	StatusCode    StatusCode `json:"status_code"`
	StatusMessage string     `json:"status_message,omitempty"`
	ServiceName   string     `json:"service_name"`

	// GenAI fields; nil/empty means "not reported" and triggers the
	// attribute fallback chain during Normalize.
	Provider     string   `json:"gen_ai_provider,omitempty"`
	Model        string   `json:"gen_ai_model,omitempty"`
	InputTokens  *int64   `json:"gen_ai_input_tokens,omitempty"`
	OutputTokens *int64   `json:"gen_ai_output_tokens,omitempty"`
	CostUSD      *float64 `json:"gen_ai_cost_usd,omitempty"`

	Attributes json.RawMessage `json:"attributes,omitempty"`
	Resource   json.RawMessage `json:"resource,omitempty"`
	SchemaURL  string          `json:"schema_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StartTime returns the start timestamp as a time.Time in UTC.
func (r *Record) StartTime() time.Time {
	return time.Unix(0, r.StartTimeUnixNano).UTC()
}

// EndTime returns the end timestamp as a time.Time in UTC.
func (r *Record) EndTime() time.Time {
	return time.Unix(0, r.EndTimeUnixNano).UTC()
}

// Duration returns the span duration.
func (r *Record) Duration() time.Duration {
	return time.Duration(r.DurationNs)
}

// IsError reports whether the span finished with an error status.
func (r *Record) IsError() bool {
	return r.StatusCode == StatusError
}

// IsRoot reports whether the span has no parent.
func (r *Record) IsRoot() bool {
	return r.ParentSpanID == ""
}

// TotalTokens is input plus output tokens, zero when neither is reported.
func (r *Record) TotalTokens() int64 {
	var total int64
	if r.InputTokens != nil {
		total += *r.InputTokens
	}
	if r.OutputTokens != nil {
		total += *r.OutputTokens
	}
	return total
}

// Cost returns the reported cost or zero.
func (r *Record) Cost() float64 {
	if r.CostUSD == nil {
		return 0
	}
	return *r.CostUSD
}

// Int64 returns a pointer to v. Handy for building records in tests and
// decoders.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
