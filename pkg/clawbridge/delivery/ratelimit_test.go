package delivery

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for limiter tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := NewRateLimiter(time.Minute, 3)
	rl.clock = clock.Now

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		done := make(chan error, 1)
		go func() { done <- rl.Acquire(ctx, "chat") }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Acquire() %d error = %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("Acquire() %d blocked inside the burst", i)
		}
	}
}

func TestRateLimiter_BlocksPastBurst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := NewRateLimiter(time.Minute, 2)
	rl.clock = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl.Acquire(ctx, "chat")
	rl.Acquire(ctx, "chat")

	done := make(chan error, 1)
	go func() { done <- rl.Acquire(ctx, "chat") }()

	select {
	case <-done:
		t.Fatal("Acquire() past the burst returned without waiting")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() ignored context cancellation")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := NewRateLimiter(time.Minute, 1)
	rl.clock = clock.Now

	ctx := context.Background()
	if err := rl.Acquire(ctx, "chat"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// After the window passes the slot frees up without real waiting.
	clock.Advance(61 * time.Second)
	done := make(chan error, 1)
	go func() { done <- rl.Acquire(ctx, "chat") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire() after window error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() blocked although the window had passed")
	}
}

func TestRateLimiter_ChatsAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := NewRateLimiter(time.Minute, 1)
	rl.clock = clock.Now

	ctx := context.Background()
	if err := rl.Acquire(ctx, "chat-a"); err != nil {
		t.Fatalf("Acquire(chat-a) error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rl.Acquire(ctx, "chat-b") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire(chat-b) error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("saturating chat-a must not block chat-b")
	}
}

func TestRateLimiter_CleanupEvictsIdleBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := NewRateLimiter(time.Minute, 2)
	rl.clock = clock.Now

	rl.Acquire(context.Background(), "idle-chat")
	clock.Advance(3 * time.Minute)
	rl.Cleanup()

	rl.mu.Lock()
	_, exists := rl.buckets["idle-chat"]
	rl.mu.Unlock()
	if exists {
		t.Error("Cleanup() kept a bucket idle past twice the window")
	}
}
