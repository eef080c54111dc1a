package server

import (
	"net/http"

	"tailspin/internal/aggregate"
	"tailspin/internal/span"
	"tailspin/internal/storage"
)

const maxDetailSpans = 10_000

// TraceResponse is a trace aggregate together with its spans. Source
// names the tier the spans came from: buffer, store or archive.
type TraceResponse struct {
	Trace  *aggregate.TraceModel `json:"trace,omitempty"`
	Spans  []span.Record         `json:"spans"`
	Source string                `json:"source"`
}

// SessionResponse is a session aggregate together with its spans.
type SessionResponse struct {
	Session *aggregate.SessionModel `json:"session,omitempty"`
	Spans   []span.Record           `json:"spans"`
	Source  string                  `json:"source"`
}

func (a *api) handleListTraces(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.Traces.Query(f))
}

// handleGetTrace looks the spans up hot to cold: buffer, live table, then
// parquet archive.
func (a *api) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := TraceResponse{Source: "buffer"}
	if t, ok := a.Traces.GetTrace(id); ok {
		resp.Trace = &t
	}

	resp.Spans = a.Buffer.GetByTraceID(id, maxDetailSpans)
	if len(resp.Spans) == 0 {
		spans, err := a.Store.SpansByTrace(r.Context(), id)
		if err != nil {
			a.writeStorageError(w, r, "trace lookup", err)
			return
		}
		resp.Spans, resp.Source = spans, "store"
	}
	if len(resp.Spans) == 0 && a.Archive.Dir != "" {
		spans, err := a.Store.ArchivedSpansByTrace(r.Context(), a.Archive.Dir, id)
		if err != nil {
			a.writeStorageError(w, r, "archive lookup", err)
			return
		}
		resp.Spans, resp.Source = spans, "archive"
	}

	if resp.Trace == nil && len(resp.Spans) == 0 {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if resp.Spans == nil {
		resp.Spans = []span.Record{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.Sessions.Query(f))
}

func (a *api) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := SessionResponse{Source: "buffer"}
	if s, ok := a.Sessions.GetSession(id); ok {
		resp.Session = &s
	}

	resp.Spans = a.Buffer.GetBySessionID(id, maxDetailSpans)
	if len(resp.Spans) == 0 {
		spans, err := a.Store.SpansBySession(r.Context(), id)
		if err != nil {
			a.writeStorageError(w, r, "session lookup", err)
			return
		}
		resp.Spans, resp.Source = spans, "store"
	}

	if resp.Session == nil && len(resp.Spans) == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if resp.Spans == nil {
		resp.Spans = []span.Record{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionHistory serves per-session rollups from the durable store,
// covering sessions older than the process.
func (a *api) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summaries, err := a.Store.SessionSummaries(r.Context(), limit)
	if err != nil {
		a.writeStorageError(w, r, "session history", err)
		return
	}
	if summaries == nil {
		summaries = []storage.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}
