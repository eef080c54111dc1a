package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tailspin/internal/span"
	"tailspin/internal/storage"
)

const defaultLatest = 100

// IngestResponse is the partial-success body of POST /v1/spans.
type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// handleIngest handles POST /v1/spans.
func (a *api) handleIngest(w http.ResponseWriter, r *http.Request) {
	reqID := RequestID(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.logger.Warn("failed to read body", zap.String("request_id", reqID), zap.Error(err))
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var batch []span.Record
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of spans: "+err.Error())
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "empty span batch")
		return
	}

	result, err := a.Ingestor.Ingest(r.Context(), batch)
	resp := IngestResponse{
		Accepted: result.Accepted,
		Rejected: result.Rejected,
		Errors:   result.Errors,
	}
	if err != nil {
		a.logger.Error("ingest failed", zap.String("request_id", reqID), zap.Error(err))
		resp.Error = err.Error()
		status := http.StatusInternalServerError
		if storage.IsTransient(err) {
			w.Header().Set("Retry-After", retryAfterSeconds)
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
		return
	}

	status := http.StatusOK
	if result.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// LatestResponse is the body of GET /v1/spans/latest.
type LatestResponse struct {
	Spans      []span.Record `json:"spans"`
	Generation uint64        `json:"generation"`
}

// handleLatest serves the newest spans from the hot buffer.
func (a *api) handleLatest(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r.URL.Query(), "n", defaultLatest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spans, gen := a.Buffer.GetLatest(n)
	if spans == nil {
		spans = []span.Record{}
	}
	writeJSON(w, http.StatusOK, LatestResponse{Spans: spans, Generation: gen})
}
