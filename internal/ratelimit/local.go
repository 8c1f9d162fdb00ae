package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is satisfied by both limiters.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
	Close() error
}

const localSweepEvery = 256

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is an in-process token bucket per key for single-replica
// deployments without Redis. Limit tokens refill evenly over Window.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	every   rate.Limit
	burst   int
	idle    time.Duration
	calls   int
	now     func() time.Time
}

// NewLocalLimiter builds an in-process limiter.
func NewLocalLimiter(limit int, window time.Duration) (*LocalLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &LocalLimiter{
		entries: make(map[string]*localEntry),
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    2 * window,
		now:     time.Now,
	}, nil
}

// Allow takes one token for key.
func (l *LocalLimiter) Allow(_ context.Context, key string) Decision {
	if l == nil {
		return Decision{}
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls%localSweepEvery == 0 {
		l.sweepLocked(now)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	if e.limiter.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(e.limiter.TokensAt(now))}
	}
	r := e.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{RetryAfter: delay}
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.idle {
			delete(l.entries, key)
		}
	}
}

// Close is a no-op.
func (l *LocalLimiter) Close() error { return nil }
