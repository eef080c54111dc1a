package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const requestIDHeader = "X-Request-ID"

// requestIDKey is the context key for request ID.
type requestIDKey struct{}

// RequestID returns the request ID from context, or empty string if not set.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// chain applies middleware in the order they execute (first to last).
// Given: chain(handler, A, B, C)
// Execution order: A -> B -> C -> handler -> C -> B -> A
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// requestIDMiddleware assigns a UUID to each request, stores it in context
// and echoes it in the response headers.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for access logs. Unwrap
// lets http.ResponseController reach the underlying writer for flushes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func accessLogMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debug("request",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// recoveryMiddleware catches panics and returns 503.
func recoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", err),
						zap.Stack("stack"))
					w.WriteHeader(http.StatusServiceUnavailable)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// sizeLimitMiddleware enforces max request body size.
func sizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// gzipMiddleware decompresses gzip-encoded request bodies.
// Rejects unsupported Content-Encoding values with 415.
// Removes Content-Encoding header after successful decompression.
func gzipMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := r.Header.Get("Content-Encoding")
			if encoding == "" {
				next.ServeHTTP(w, r)
				return
			}

			reqID := RequestID(r.Context())
			if !strings.EqualFold(encoding, "gzip") {
				logger.Warn("unsupported Content-Encoding",
					zap.String("request_id", reqID), zap.String("encoding", encoding))
				w.WriteHeader(http.StatusUnsupportedMediaType)
				return
			}

			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				logger.Warn("gzip decompression failed", zap.String("request_id", reqID), zap.Error(err))
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer gz.Close()

			r.Body = io.NopCloser(gz)
			r.Header.Del("Content-Encoding")
			next.ServeHTTP(w, r)
		})
	}
}

// gate bounds concurrent requests on a route. Saturation answers 503
// immediately instead of queueing.
type gate struct {
	name string
	sem  *semaphore.Weighted
}

func newGate(name string, n int) *gate {
	if n < 1 {
		n = 1
	}
	return &gate{name: name, sem: semaphore.NewWeighted(int64(n))}
}

func (g *gate) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.sem.TryAcquire(1) {
			w.Header().Set("Retry-After", retryAfterSeconds)
			writeError(w, http.StatusServiceUnavailable, g.name+" capacity exhausted")
			return
		}
		defer g.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}
