package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/driftlab/marketpulse/internal/httputil"
)

// KeyLimiter is the per-key limiting surface the HTTP middleware needs. Both
// the in-process Limiter and the Redis-backed limiter (via WrapRedis) satisfy
// it.
type KeyLimiter interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
	Burst() int
}

// clientIP extracts the client IP address from the request, checking
// X-Forwarded-For first, then falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For may contain a comma-separated list; take the first.
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port.
		return r.RemoteAddr
	}
	return ip
}

// tokenReader is implemented by limiters that can report the remaining
// budget. The in-process Limiter does; the Redis adapter does not, and the
// Remaining header is simply omitted there.
type tokenReader interface {
	Tokens(key string) float64
}

// Middleware returns a gorilla/mux middleware that enforces per-IP token
// bucket rate limiting. Rejected requests get a 429 with a Retry-After hint
// so clients can back off instead of hammering.
func Middleware(l KeyLimiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !l.Allow(ip) {
				retryAfter := l.RetryAfter(ip)
				secs := int(retryAfter.Seconds()) + 1

				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			if tr, ok := l.(tokenReader); ok {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tr.Tokens(ip))))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// redisKeyLimiter adapts the Redis limiter to KeyLimiter. Script errors fail
// closed: the request is denied and the hint falls back to one second.
type redisKeyLimiter struct {
	l *RedisLimiter
}

// WrapRedis adapts a RedisLimiter for use with Middleware.
func WrapRedis(l *RedisLimiter) KeyLimiter {
	return redisKeyLimiter{l: l}
}

func (r redisKeyLimiter) Allow(key string) bool {
	return r.l.Allow(context.Background(), key)
}

func (r redisKeyLimiter) RetryAfter(key string) time.Duration {
	d, err := r.l.RetryAfter(context.Background(), key)
	if err != nil {
		return time.Second
	}
	return d
}

func (r redisKeyLimiter) Burst() int { return r.l.Burst() }
