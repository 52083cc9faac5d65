package bridge

import "sync"

// ackTracker serializes offset commits for one adapter. Updates are handled
// concurrently (commands inline, text through the dispatcher), but the
// committed offset must never advance past an update that has not finished
// processing: a crash mid-turn would otherwise skip it on restart.
//
// begin registers an update in arrival order; complete marks it done and
// returns the highest update id such that every id at or below it is done.
type ackTracker struct {
	mu      sync.Mutex
	pending map[int64]bool // update id → completed
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[int64]bool)}
}

func (t *ackTracker) begin(id int64) {
	t.mu.Lock()
	t.pending[id] = false
	t.mu.Unlock()
}

// complete marks id done. The returned watermark is committable: all tracked
// updates at or below it have completed. ok is false while an earlier update
// is still in flight.
func (t *ackTracker) complete(id int64) (watermark int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[id] = true

	minOpen := int64(-1)
	for uid, done := range t.pending {
		if !done && (minOpen < 0 || uid < minOpen) {
			minOpen = uid
		}
	}
	for uid, done := range t.pending {
		if done && (minOpen < 0 || uid < minOpen) {
			if uid > watermark {
				watermark = uid
				ok = true
			}
			delete(t.pending, uid)
		}
	}
	return watermark, ok
}
