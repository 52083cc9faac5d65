// Package delivery implements the reliable outbound path of the bridge:
// chunking, per-chat rate limiting, retry with backoff, error classification,
// dedup, and audit. It sits between the orchestrator and a channel adapter.
package delivery

import (
	"context"
	"sync"
	"time"
)

// RateLimiter throttles sends per chat with a sliding window: at most Burst
// sends within any rolling Window.
type RateLimiter struct {
	window time.Duration
	burst  int

	mu      sync.Mutex
	buckets map[string][]time.Time

	// clock is swappable in tests.
	clock func() time.Time
}

// NewRateLimiter creates a limiter allowing burst sends per window per chat.
func NewRateLimiter(window time.Duration, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		window:  window,
		burst:   burst,
		buckets: make(map[string][]time.Time),
		clock:   time.Now,
	}
}

// Acquire records one send for chatKey, blocking until the window has room.
// Under saturation it waits at most one full window. Returns early with the
// context error when ctx is cancelled.
func (rl *RateLimiter) Acquire(ctx context.Context, chatKey string) error {
	for {
		rl.mu.Lock()
		nowTS := rl.clock()
		stamps := prune(rl.buckets[chatKey], nowTS.Add(-rl.window))
		if len(stamps) < rl.burst {
			rl.buckets[chatKey] = append(stamps, nowTS)
			rl.mu.Unlock()
			return nil
		}
		// Wait for the oldest stamp to leave the window, then re-check.
		wait := stamps[0].Add(rl.window).Sub(nowTS)
		rl.buckets[chatKey] = stamps
		rl.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cleanup evicts buckets idle for more than twice the window, bounding memory
// in long-running processes. Called periodically by bridge maintenance.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clock().Add(-2 * rl.window)
	for key, stamps := range rl.buckets {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
