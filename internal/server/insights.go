package server

import (
	"net/http"

	"tailspin/internal/insights"
	"tailspin/internal/storage"
)

func (a *api) handleListInsights(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListInsights(r.Context())
	if err != nil {
		a.writeStorageError(w, r, "list insights", err)
		return
	}
	if list == nil {
		list = []storage.Insight{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetInsight serves one tier as JSON, or as an HTML fragment with
// ?format=html.
func (a *api) handleGetInsight(w http.ResponseWriter, r *http.Request) {
	tier, ok := insights.ParseTier(r.PathValue("tier"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown insight tier")
		return
	}

	ins, err := a.Store.GetInsight(r.Context(), string(tier))
	if err != nil {
		a.writeStorageError(w, r, "get insight", err)
		return
	}
	if ins == nil {
		writeError(w, http.StatusNotFound, "insight not materialized yet")
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, ins)
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(ins.Content))
	case "html":
		html, err := insights.RenderHTML(ins.Content)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(html))
	default:
		writeError(w, http.StatusBadRequest, "format must be json, markdown or html")
	}
}
