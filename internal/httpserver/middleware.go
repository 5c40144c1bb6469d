package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

type requestIDKey struct{}

// RequestID assigns a request id (reusing an inbound X-Request-ID if
// present) and stamps it on the response and request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id stamped by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger logs one line per request at Info level (Debug for 2xx health
// checks would be noisy so those are excluded at /healthz and /readyz).
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// RateLimiter is the subset of internal/auth.RateLimiter this package
// needs; RateLimit accepts any implementation of it.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit builds middleware that throttles a credential-bearing route by
// remote address, using limiter's fixed-window counter. keyPrefix namespaces
// the counter per route so a login limiter and an API-key-mint limiter
// never share a bucket.
func RateLimit(limiter RateLimiter, keyPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.RemoteAddr
			if idx := lastColon(host); idx >= 0 {
				host = host[:idx]
			}
			allowed, err := limiter.Allow(r.Context(), keyPrefix+":"+host)
			if err != nil || !allowed {
				WriteError(w, NewError(KindForbidden, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// Metrics records request duration in telemetry.HTTPRequestDuration,
// labeled by the routed chi pattern rather than the raw path so cardinality
// stays bounded.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		telemetry.HTTPRequestDuration.WithLabelValues(
			r.Method, pattern, strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}
