package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter implements a fixed-window counter in Redis. Each window is a
// single key with a TTL; INCR plus EXPIRE keeps it race-free enough for
// abuse protection.
type RateLimiter struct {
	rdb       *redis.Client
	namespace string
	logger    *zap.Logger
}

// NewRateLimiter creates a limiter bound to a Redis namespace.
func NewRateLimiter(rdb *redis.Client, namespace string, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, namespace: namespace, logger: logger}
}

// RemoteAddrKey buckets requests by the caller's address. RealIP middleware
// runs first, so RemoteAddr reflects proxy headers already.
func RemoteAddrKey(r *http.Request) string {
	return r.RemoteAddr
}

// Limit returns middleware allowing at most max requests per window per key.
// keyFn derives the bucket key from the request, typically the client IP.
// Redis failures let the request through; rate limiting must never become
// the outage.
func (l *RateLimiter) Limit(name string, max int64, window time.Duration, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket := fmt.Sprintf("%s:ratelimit:%s:%s:%d",
				l.namespace, name, keyFn(r), time.Now().Unix()/int64(window.Seconds()))

			count, err := l.rdb.Incr(r.Context(), bucket).Result()
			if err != nil {
				l.logger.Warn("rate limit counter unavailable", zap.String("name", name), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if err := l.rdb.Expire(r.Context(), bucket, window).Err(); err != nil {
					l.logger.Warn("rate limit expire failed", zap.String("name", name), zap.Error(err))
				}
			}
			if count > max {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}`))
}
