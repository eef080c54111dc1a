package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"tailspin/internal/insights"
)

// handleArchive moves spans older than ?older_than (a Go duration,
// defaulting to the configured retention) into a parquet file.
func (a *api) handleArchive(w http.ResponseWriter, r *http.Request) {
	if a.Archive.Dir == "" {
		writeError(w, http.StatusConflict, "archive dir not configured")
		return
	}

	age := time.Duration(a.Archive.RetentionHours) * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid older_than: "+v)
			return
		}
		age = d
	}
	if age <= 0 {
		writeError(w, http.StatusBadRequest, "older_than is required when retention is disabled")
		return
	}

	res, err := a.Store.ArchiveToParquet(r.Context(), a.Archive.Dir, a.Clock.Now().Add(-age))
	if err != nil {
		a.writeStorageError(w, r, "archive", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// InsightRunResponse reports one tier of a manual materializer run.
type InsightRunResponse struct {
	Tier       string `json:"tier"`
	Outcome    string `json:"outcome"`
	Hash       string `json:"hash,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// handleRefreshInsights runs one materializer tick immediately.
func (a *api) handleRefreshInsights(w http.ResponseWriter, r *http.Request) {
	if a.Materializer == nil {
		writeError(w, http.StatusConflict, "insights disabled")
		return
	}

	report := a.Materializer.RunOnce(r.Context())
	resp := make([]InsightRunResponse, len(report.Results))
	for i, res := range report.Results {
		resp[i] = InsightRunResponse{
			Tier:       string(res.Tier),
			Outcome:    string(res.Outcome),
			Hash:       res.Hash,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			resp[i].Error = res.Err.Error()
		}
	}

	status := http.StatusOK
	if report.Count(insights.OutcomeFailed) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// handleClear deletes every stored span and insight. The hot buffer and
// live aggregates are left alone.
func (a *api) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Clear(r.Context()); err != nil {
		a.writeStorageError(w, r, "clear", err)
		return
	}
	a.logger.Warn("stored data cleared", zap.String("request_id", RequestID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
