package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLimiter(rdb)
}

func TestAllowWithinAllowance(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "tenant-a", time.Minute, 5)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed, got rejected", i)
		}
	}
}

func TestRejectOverAllowance(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Allow(ctx, "tenant-b", time.Minute, 5); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}

	res, err := l.Allow(ctx, "tenant-b", time.Minute, 5)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected 6th request to be rejected")
	}
	if res.RetryAfterSeconds < 1 {
		t.Errorf("RetryAfterSeconds = %d, want >= 1", res.RetryAfterSeconds)
	}
}

// TestConcurrentAllowExactlyAllowance exercises spec §8 scenario 3: twenty
// concurrent submissions against an allowance of ten must yield exactly ten
// admits, proving the atomic increment-first ordering closes the
// check-then-increment race the teacher's limiter has.
func TestConcurrentAllowExactlyAllowance(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	const allowance = 10
	const attempts = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(ctx, "tenant-c", time.Minute, allowance)
			if err != nil {
				t.Errorf("Allow() error: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != allowance {
		t.Errorf("admitted = %d, want exactly %d", admitted, allowance)
	}
}

func TestWindowReset(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	// Use a 1-second window; after it elapses the next request should be a
	// fresh window and admitted again even at the same tenant.
	for i := 0; i < 3; i++ {
		res, _ := l.Allow(ctx, "tenant-d", time.Second, 3)
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed in first window", i)
		}
	}

	res, _ := l.Allow(ctx, "tenant-d", time.Second, 3)
	if res.Allowed {
		t.Fatal("expected 4th request in same window to be rejected")
	}

	time.Sleep(1100 * time.Millisecond)
	res, _ = l.Allow(ctx, "tenant-d", time.Second, 3)
	if !res.Allowed {
		t.Fatal("expected first request in the next window to be allowed")
	}
}
