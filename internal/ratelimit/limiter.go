package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// entry holds a rate limiter and the last access time in unix nanos. The
// timestamp is atomic: request goroutines update it while the cleanup
// goroutine reads it.
type entry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// Limiter manages per-key token buckets with automatic cleanup of stale keys.
// Each key gets its own bucket, created lazily at full capacity on first
// access. Safe for concurrent use.
type Limiter struct {
	limiters sync.Map
	rps      float64
	burst    int
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter that refills rps tokens per second per key with a
// maximum burst of burst tokens. Non-positive parameters are a configuration
// error and fail fast.
func New(rps float64, burst int) (*Limiter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("ratelimit: rate must be positive, got %v", rps)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("ratelimit: burst must be positive, got %d", burst)
	}
	l := &Limiter{
		rps:    rps,
		burst:  burst,
		stopCh: make(chan struct{}),
	}
	go l.cleanup()
	return l, nil
}

// get returns the bucket for key, creating one at full capacity if needed.
func (l *Limiter) get(key string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := l.limiters.Load(key); ok {
		e := v.(*entry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	e := &entry{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
	e.lastSeen.Store(now)
	actual, loaded := l.limiters.LoadOrStore(key, e)
	if loaded {
		existing := actual.(*entry)
		existing.lastSeen.Store(now)
		return existing.limiter
	}
	return e.limiter
}

// Allow reports whether a token is available for key, consuming one if so.
// It never blocks.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks the calling goroutine until a token is available for key or the
// context is cancelled. Other keys are unaffected while a caller waits.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// RetryAfter returns how long a caller would have to wait for a token on key
// without consuming one.
func (l *Limiter) RetryAfter(key string) time.Duration {
	now := time.Now()
	r := l.get(key).ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(float64(time.Second) / l.rps)
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Tokens returns the number of tokens currently available for key.
func (l *Limiter) Tokens(key string) float64 {
	return l.get(key).Tokens()
}

// Burst returns the configured burst capacity.
func (l *Limiter) Burst() int { return l.burst }

// Close stops the background cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// cleanup removes keys that haven't been seen in 3 minutes.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// sweep drops every key idle for longer than 3 minutes.
func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-3 * time.Minute).UnixNano()
	l.limiters.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.lastSeen.Load() < cutoff {
			l.limiters.Delete(key)
		}
		return true
	})
}
