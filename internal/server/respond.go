package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tailspin/internal/aggregate"
	"tailspin/internal/storage"
)

const retryAfterSeconds = "1"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStorageError maps the storage error taxonomy onto status codes:
// transient failures ask the client to retry, everything else is a 500.
func (a *api) writeStorageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.logger.Error(op+" failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
	if storage.IsTransient(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func intParam(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// timeParam accepts RFC 3339 or unix nanoseconds.
func timeParam(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Unix(0, n).UTC(), nil
}

// parseFilter reads service, from, to, min_tokens, has_errors, skip and
// take.
func parseFilter(q url.Values) (aggregate.Filter, error) {
	f := aggregate.Filter{Service: q.Get("service")}

	var err error
	if f.From, err = timeParam(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(q, "to"); err != nil {
		return f, err
	}
	minTokens, err := intParam(q, "min_tokens", 0)
	if err != nil {
		return f, err
	}
	f.MinTokens = int64(minTokens)
	if v := q.Get("has_errors"); v != "" {
		if f.HasErrors, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("invalid has_errors: %q", v)
		}
	}
	if f.Skip, err = intParam(q, "skip", 0); err != nil {
		return f, err
	}
	if f.Take, err = intParam(q, "take", 100); err != nil {
		return f, err
	}
	return f, nil
}
