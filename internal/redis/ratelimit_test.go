package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})

	return limiter, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 5, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 3, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil || !result.Allowed {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
	}

	result, err := limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
	if !result.ResetAt.After(time.Now()) {
		t.Error("reset time should be in the future")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "203.0.113.7")
	}

	result, err := limiter.Allow(ctx, "198.51.100.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("second client should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "batch", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("should be allowed")
	}
	if result.Remaining != 5 {
		t.Errorf("expected remaining 5, got %d", result.Remaining)
	}

	result, err = limiter.AllowN(ctx, "batch", 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("should be blocked")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 1, 50*time.Millisecond)
	defer cleanup()

	ctx := context.Background()

	if r, _ := limiter.Allow(ctx, "k"); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	if r, _ := limiter.Allow(ctx, "k"); r.Allowed {
		t.Fatal("second request should be blocked")
	}

	time.Sleep(80 * time.Millisecond)

	if r, _ := limiter.Allow(ctx, "k"); !r.Allowed {
		t.Fatal("request after the window should be allowed")
	}
}
