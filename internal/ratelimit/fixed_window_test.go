package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newLimiter(t *testing.T, srv *miniredis.Miniredis, limit int) *FixedWindowLimiter {
	t.Helper()
	limiter, err := NewRedisFixedWindowLimiter(Config{
		Addr:   srv.Addr(),
		Prefix: "test:ratelimit",
		Limit:  limit,
		Window: time.Minute,
	})
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	// pin the window slot so the test never straddles a boundary
	fixed := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

func TestFixedWindowLimiterRedis(t *testing.T) {
	limiter := newLimiter(t, miniredis.RunT(t), 2)
	ctx := context.Background()

	first := limiter.Allow(ctx, "guest-1")
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first request should pass: %+v", first)
	}
	if d := limiter.Allow(ctx, "guest-1"); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second request should pass: %+v", d)
	}
	blocked := limiter.Allow(ctx, "guest-1")
	if blocked.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if blocked.RetryAfter <= 0 || blocked.RetryAfter > time.Minute {
		t.Fatalf("retry after = %s", blocked.RetryAfter)
	}
	if d := limiter.Allow(ctx, "guest-2"); !d.Allowed {
		t.Fatalf("keys should be counted separately")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter := newLimiter(t, srv, 1)
	srv.Close()
	d := limiter.Allow(context.Background(), "guest-1")
	if d.Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
	if d.RetryAfter != time.Minute {
		t.Fatalf("retry after = %s, want full window", d.RetryAfter)
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter(Config{Limit: 1, Window: time.Second})
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}

func TestNilLimiterDenies(t *testing.T) {
	var limiter *FixedWindowLimiter
	if limiter.Allow(context.Background(), "k").Allowed {
		t.Fatalf("nil limiter should deny")
	}
}
