package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// queueDepth bounds how many messages can wait per session. Beyond this the
// oldest intent is for the user to see "busy" responses, not unbounded lag.
const queueDepth = 32

// workerIdle is how long an empty session queue keeps its worker alive.
const workerIdle = 5 * time.Minute

// dispatcher serializes work per key (session id): jobs for the same key run
// strictly in order on one worker goroutine, while different keys run
// concurrently. Workers are created lazily and retire when idle.
type dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan func()
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger: logger.With("component", "dispatcher"),
		queues: make(map[string]chan func()),
	}
}

// Dispatch enqueues job for key. Returns false when the queue for the key is
// saturated or the dispatcher is closed; the job is then not run.
func (d *dispatcher) Dispatch(key string, job func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	q, ok := d.queues[key]
	if !ok {
		q = make(chan func(), queueDepth)
		d.queues[key] = q
		d.wg.Add(1)
		go d.worker(key, q)
	}
	// Enqueue while still holding the lock so a retiring worker cannot
	// delete the queue between lookup and send.
	var accepted bool
	select {
	case q <- job:
		accepted = true
	default:
	}
	d.mu.Unlock()

	if !accepted {
		d.logger.Warn("session queue saturated, dropping message", "session", key)
	}
	return accepted
}

func (d *dispatcher) worker(key string, q chan func()) {
	defer d.wg.Done()
	idle := time.NewTimer(workerIdle)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-q:
			if !ok {
				return
			}
			job()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdle)

		case <-idle.C:
			// Retire only if nothing raced in while we held no lock.
			d.mu.Lock()
			if len(q) == 0 && !d.closed {
				delete(d.queues, key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(workerIdle)
		}
	}
}

// Close stops accepting work, lets queued jobs drain, and waits for all
// workers to exit.
func (d *dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for key, q := range d.queues {
		close(q)
		delete(d.queues, key)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
