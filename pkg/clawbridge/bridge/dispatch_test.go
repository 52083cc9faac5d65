package bridge

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_SerializesPerKey(t *testing.T) {
	d := newDispatcher(testLogger())
	defer d.Close()

	const jobs = 50
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(jobs)

	for i := 0; i < jobs; i++ {
		i := i
		if !d.Dispatch("session-1", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}) {
			t.Fatalf("Dispatch(%d) = false", i)
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: position %d got %d", i, v)
		}
	}
}

func TestDispatcher_KeysRunConcurrently(t *testing.T) {
	d := newDispatcher(testLogger())
	defer d.Close()

	blockA := make(chan struct{})
	ranB := make(chan struct{})

	d.Dispatch("session-a", func() { <-blockA })
	d.Dispatch("session-b", func() { close(ranB) })

	select {
	case <-ranB:
	case <-time.After(2 * time.Second):
		t.Fatal("a blocked session stalled an unrelated session")
	}
	close(blockA)
}

func TestDispatcher_SaturatedQueueRejects(t *testing.T) {
	d := newDispatcher(testLogger())
	defer d.Close()

	block := make(chan struct{})
	defer close(block)

	// One running job plus a full queue.
	d.Dispatch("stuck", func() { <-block })
	accepted := 0
	for i := 0; i < queueDepth+10; i++ {
		if d.Dispatch("stuck", func() {}) {
			accepted++
		}
	}
	if accepted > queueDepth {
		t.Errorf("accepted %d jobs beyond the running one, want <= %d", accepted, queueDepth)
	}
	if accepted == queueDepth+10 {
		t.Error("saturated queue never rejected")
	}
}

func TestDispatcher_CloseDrainsAndRejects(t *testing.T) {
	d := newDispatcher(testLogger())

	var ran int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		d.Dispatch("drain", func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Errorf("ran = %d, want 5 (queued jobs drain on close)", ran)
	}
	if d.Dispatch("drain", func() {}) {
		t.Error("Dispatch() after Close() = true, want false")
	}
}

func TestDispatcher_CloseIdempotent(t *testing.T) {
	d := newDispatcher(testLogger())
	d.Close()
	d.Close()
}
