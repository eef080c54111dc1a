package server

import (
	"net/http"
)

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Message  string `json:"message,omitempty"`
}

// handleHealth returns the health status as JSON.
func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Message: "tailspin is running",
	}
	status := http.StatusOK

	if err := a.Store.Health(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		resp.Message = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Database = "connected"
	}

	writeJSON(w, status, resp)
}
