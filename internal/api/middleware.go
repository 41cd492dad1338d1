package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/metrics"
	"github.com/lalithlochan/propline/internal/redis"
)

// Limiter decides whether a keyed request fits its rate window.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// RateLimitMiddleware enforces a rate limit per key. keyFunc extracts the key from the
// request; an empty key or a nil limiter lets the request through. Limiter errors fail open.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(keyKind(key))
				retryAfter := max(1, int(time.Until(result.ResetAt).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keyKind reduces a limiter key to its prefix so metric labels stay bounded.
func keyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && (kind == "producer" || kind == "ip") {
		return kind
	}
	return "other"
}

// ProducerKeyFunc keys the limit by the X-Producer header, so each upstream service
// gets its own window.
func ProducerKeyFunc(r *http.Request) string {
	if producer := r.Header.Get(ProducerHeader); producer != "" {
		return "producer:" + producer
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// ProducerOrIPKeyFunc prefers the producer name and falls back to the client IP.
func ProducerOrIPKeyFunc(r *http.Request) string {
	if key := ProducerKeyFunc(r); key != "" {
		return key
	}
	return IPKeyFunc(r)
}
