package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/monitor"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyAPIKey    contextKey = "api_key"
)

// RequestIDFromContext returns the request ID set by RequestIDMiddleware,
// or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// denyJSON writes a minimal JSON error body without going through the
// handler's response types; middleware runs before those exist.
func denyJSON(w http.ResponseWriter, msg, code string, status int) {
	http.Error(w, `{"error":"`+msg+`","code":"`+code+`"}`, status)
}

// RequestIDMiddleware assigns each request an ID, honoring one supplied by
// the client so upstream systems can correlate.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, id)))
	})
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streaming survives the
// logging wrapper.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware emits one structured access-log line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.Info().
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// AuthMiddleware checks API keys against the configured allow list. An
// empty list disables auth entirely (local / development mode). The key is
// read from the configured header, falling back to a bearer token.
func AuthMiddleware(header string, allowedKeys []string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-API-Key"
	}
	allowed := make(map[string]struct{}, len(allowedKeys))
	for _, k := range allowedKeys {
		if k != "" {
			allowed[k] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(header)
			if key == "" {
				key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if _, ok := allowed[key]; key == "" || !ok {
				denyJSON(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyAPIKey, key)))
		})
	}
}

// tokenBucket is one client's rate-limit state.
type tokenBucket struct {
	tokens float64
	seen   time.Time
}

// take refills the bucket from elapsed time and spends one token if
// available.
func (b *tokenBucket) take(now time.Time, rps float64, burst int) bool {
	b.tokens += now.Sub(b.seen).Seconds() * rps
	b.seen = now
	if b.tokens > float64(burst) {
		b.tokens = float64(burst)
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimitMiddleware applies a per-client token bucket. Idle buckets are
// swept every minute so the map cannot grow without bound.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	var mu sync.Mutex
	buckets := make(map[string]*tokenBucket)

	go func() {
		for range time.Tick(time.Minute) {
			mu.Lock()
			for addr, b := range buckets {
				if time.Since(b.seen) > 5*time.Minute {
					delete(buckets, addr)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Don't trust X-Forwarded-For — any client can set it to bypass
			// rate limits. Behind a reverse proxy, strip the port from
			// RemoteAddr instead.
			addr := r.RemoteAddr

			mu.Lock()
			b, ok := buckets[addr]
			if !ok {
				b = &tokenBucket{tokens: float64(burst), seen: time.Now()}
				buckets[addr] = b
			}
			admitted := b.take(time.Now(), rps, burst)
			mu.Unlock()

			if !admitted {
				w.Header().Set("Retry-After", "1")
				denyJSON(w, "rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware tracks in-flight request count.
func MetricsMiddleware(metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.RequestsInFlight.Inc()
			defer metrics.RequestsInFlight.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets response headers appropriate for an API
// that returns attacker-influenced content (guest output).
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware converts handler panics into 500 responses.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", RequestIDFromContext(r.Context())).
					Msg("panic recovered")
				denyJSON(w, "internal server error", "INTERNAL", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// MaxBodyMiddleware rejects request bodies over maxBytes.
func MaxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
