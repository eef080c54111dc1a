package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tailspin/internal/auth"
)

// KeyResponse describes an API key without its secret.
type KeyResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Prefix     string  `json:"prefix"`
	Scopes     string  `json:"scopes"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
	Revoked    bool    `json:"revoked"`
}

// CreateKeyRequest is the body of POST /admin/keys.
type CreateKeyRequest struct {
	Name string `json:"name"`
	// Scopes is comma-separated: "ingest,read".
	Scopes string `json:"scopes"`
	// ExpiresIn is an optional Go duration.
	ExpiresIn string `json:"expires_in,omitempty"`
}

// CreateKeyResponse carries the only copy of a new key's secret.
type CreateKeyResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Key    string `json:"key"`
	Scopes string `json:"scopes"`
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func (a *api) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.Auth.ListKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]KeyResponse, len(keys))
	for i, k := range keys {
		resp[i] = KeyResponse{
			ID:         k.ID,
			Name:       k.Name,
			Prefix:     k.Prefix,
			Scopes:     k.Scopes.String(),
			CreatedAt:  k.CreatedAt.Format(time.RFC3339),
			ExpiresAt:  formatTimePtr(k.ExpiresAt),
			LastUsedAt: formatTimePtr(k.LastUsedAt),
			Revoked:    k.Revoked,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	scopes := auth.ParseScopes(req.Scopes)
	if scopes == 0 {
		writeError(w, http.StatusBadRequest, "at least one scope required (ingest, read, admin)")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid expires_in: "+req.ExpiresIn)
			return
		}
		t := a.Clock.Now().Add(d)
		expiresAt = &t
	}

	createdBy := ""
	if info := auth.KeyFromContext(r.Context()); info != nil {
		createdBy = info.ID
	}

	key, info, err := a.Auth.CreateKey(r.Context(), req.Name, scopes, expiresAt, createdBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("api key created",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("key_id", info.ID),
		zap.String("scopes", info.Scopes.String()))

	writeJSON(w, http.StatusCreated, CreateKeyResponse{
		ID:     info.ID,
		Name:   info.Name,
		Key:    key,
		Scopes: info.Scopes.String(),
	})
}

func (a *api) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	err := a.Auth.RevokeKey(r.Context(), r.PathValue("id"))
	if errors.Is(err, auth.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
