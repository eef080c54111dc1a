package span

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ValidationError describes why a single span was rejected at the
// ingestion boundary. Rejection is per item: the rest of the batch is
// still processed.
type ValidationError struct {
	TraceID string
	SpanID  string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.SpanID == "" {
		return fmt.Sprintf("invalid span: %s", e.Reason)
	}
	return fmt.Sprintf("invalid span %s/%s: %s", e.TraceID, e.SpanID, e.Reason)
}

// Validate checks the structural invariants of a record.
func Validate(r *Record) error {
	invalid := func(reason string) error {
		return &ValidationError{TraceID: r.TraceID, SpanID: r.SpanID, Reason: reason}
	}

	switch {
	case r.TraceID == "":
		return invalid("missing trace_id")
	case r.SpanID == "":
		return invalid("missing span_id")
	case r.ParentSpanID == r.SpanID:
		return invalid("span is its own parent")
	case r.StartTimeUnixNano <= 0:
		return invalid("missing start time")
	case r.EndTimeUnixNano < r.StartTimeUnixNano:
		return invalid("end time before start time")
	case r.StatusCode < StatusUnset || r.StatusCode > StatusError:
		return invalid(fmt.Sprintf("unknown status code %d", r.StatusCode))
	case r.Kind < KindUnspecified || r.Kind > KindConsumer:
		return invalid(fmt.Sprintf("unknown span kind %d", r.Kind))
	case len(r.Attributes) > 0 && !json.Valid(r.Attributes):
		return invalid("attributes are not valid JSON")
	case len(r.Resource) > 0 && !json.Valid(r.Resource):
		return invalid("resource is not valid JSON")
	case r.InputTokens != nil && *r.InputTokens < 0,
		r.OutputTokens != nil && *r.OutputTokens < 0:
		return invalid("negative token count")
	}
	return nil
}

// Normalize fills the derived fields of a validated record: the duration,
// the ingestion timestamp and the GenAI fields resolved from attributes.
// CreatedAt is truncated to microseconds, the precision of a TIMESTAMP
// column, so persisted rows compare equal to their in-memory copies.
func Normalize(r *Record, now time.Time) {
	r.DurationNs = r.EndTimeUnixNano - r.StartTimeUnixNano
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Microsecond)
	resolveGenAI(r)
}
