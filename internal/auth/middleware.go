package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type keyInfoKey struct{}

// KeyFromContext returns the KeyInfo from context.
func KeyFromContext(ctx context.Context) *KeyInfo {
	if v, ok := ctx.Value(keyInfoKey{}).(*KeyInfo); ok {
		return v
	}
	return nil
}

// Middleware returns an auth middleware that validates API keys.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" {
			authError(w, "missing authorization", http.StatusUnauthorized)
			return
		}

		if !strings.HasPrefix(key, KeyPrefix) {
			authError(w, "invalid key format", http.StatusUnauthorized)
			return
		}

		info, err := a.ValidateKey(r.Context(), key)
		if err != nil {
			a.logger.Info("auth failed", zap.String("path", r.URL.Path), zap.Error(err))

			switch {
			case errors.Is(err, ErrKeyRevoked):
				authError(w, "key revoked", http.StatusUnauthorized)
			case errors.Is(err, ErrKeyExpired):
				authError(w, "key expired", http.StatusUnauthorized)
			case errors.Is(err, ErrInvalidKey):
				authError(w, "invalid key", http.StatusUnauthorized)
			default:
				authError(w, "auth unavailable", http.StatusServiceUnavailable)
			}
			return
		}

		ctx := context.WithValue(r.Context(), keyInfoKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope returns middleware that checks for required scope.
func RequireScope(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := KeyFromContext(r.Context())
			if info == nil {
				authError(w, "missing authorization", http.StatusUnauthorized)
				return
			}

			if !info.Scopes.Has(scope) {
				authError(w, "insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Protect is Middleware followed by RequireScope.
func (a *Auth) Protect(scope Scope, next http.Handler) http.Handler {
	return a.Middleware(RequireScope(scope)(next))
}

func extractKey(r *http.Request) string {
	// Try Authorization: Bearer <key>
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}

	// Fallback: X-API-Key header
	return r.Header.Get("X-API-Key")
}

func authError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
