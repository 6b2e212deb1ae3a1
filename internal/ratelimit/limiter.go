// Package ratelimit implements the admission pipeline's mandatory
// "increment-first, compare, compensate" atomic rate check (spec §4.1 step
// 1). The teacher's internal/auth/ratelimit.go reads the counter, compares,
// then conditionally increments — a check-time-of-use gap that lets more
// than the allowance through under concurrency. Spec §4.1 and §9 name this
// exact bug and forbid it, so this package is a clean-room rewrite: a single
// Lua script does increment, compare, and (on rejection) compensating
// decrement as one atomic Redis operation, the same primitive the teacher
// already reaches for in internal/auth/ratelimit.go, just ordered correctly.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrCompareCompensate is loaded once and reused for every Allow call.
// KEYS[1] = rate:{tenant}:{window}; ARGV[1] = window seconds; ARGV[2] = allowance.
// Returns {allowed(0/1), retry_after_seconds(-1 if allowed), current_count}.
var incrCompareCompensate = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if tonumber(count) == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
if tonumber(count) > tonumber(ARGV[2]) then
	redis.call('DECR', KEYS[1])
	local ttl = redis.call('TTL', KEYS[1])
	if ttl < 1 then
		ttl = 1
	end
	return {0, ttl, count - 1}
end
return {1, -1, count}
`)

// Limiter enforces a per-tenant, fixed-window request allowance atomically
// in Redis.
type Limiter struct {
	rdb *redis.Client
}

// NewLimiter creates a Limiter backed by rdb.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed           bool
	Current           int64
	Allowance         int64
	Window            time.Duration
	RetryAfterSeconds int // only meaningful when !Allowed; always >= 1
}

// Allow performs the atomic increment-compare-compensate check for tenantID
// within window, bounded by allowance. The window key is scoped to the
// current window boundary so windows reset naturally via the key's own TTL.
func (l *Limiter) Allow(ctx context.Context, tenantID string, window time.Duration, allowance int64) (Result, error) {
	key := fmt.Sprintf("rate:%s:%d", tenantID, windowBucket(window))

	raw, err := incrCompareCompensate.Run(ctx, l.rdb, []string{key}, int64(window.Seconds()), allowance).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("running rate limit script: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("unexpected rate limit script result shape: %v", raw)
	}

	allowedFlag, _ := raw[0].(int64)
	retryAfter, _ := raw[1].(int64)
	current, _ := raw[2].(int64)

	return Result{
		Allowed:           allowedFlag == 1,
		Current:           current,
		Allowance:         allowance,
		Window:            window,
		RetryAfterSeconds: int(retryAfter),
	}, nil
}

// windowBucket returns the current fixed-window index, so a client's
// counter key changes exactly on window boundaries without a separate reset
// process.
func windowBucket(window time.Duration) int64 {
	return time.Now().Unix() / int64(window.Seconds())
}
