package worker

import (
	"context"
	"sync"
	"time"

	"github.com/herald-mq/herald/internal/clock"
	"github.com/herald-mq/herald/internal/logging"
)

// retryScheduler re-enqueues message IDs after a fixed delay without
// blocking a delivery slot. One pending entry per ID; between a timer
// firing and Flush, each entry is enqueued exactly once.
type retryScheduler struct {
	clk   clock.Clock
	queue Queue
	log   *logging.Logger
	delay time.Duration

	mu      sync.Mutex
	pending map[string]clock.Timer
	flushed bool
}

func newRetryScheduler(clk clock.Clock, queue Queue, log *logging.Logger, delay time.Duration) *retryScheduler {
	return &retryScheduler{
		clk:     clk,
		queue:   queue,
		log:     log,
		delay:   delay,
		pending: make(map[string]clock.Timer),
	}
}

// Schedule arms a re-enqueue for id after the retry delay. Duplicate
// schedules for an ID already waiting are ignored. After Flush, schedules
// enqueue immediately.
func (r *retryScheduler) Schedule(id string) {
	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		r.enqueue(id)
		return
	}
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return
	}
	r.pending[id] = r.clk.AfterFunc(r.delay, func() { r.fire(id) })
	r.mu.Unlock()
}

func (r *retryScheduler) fire(id string) {
	r.mu.Lock()
	_, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		// Flushed while the timer was firing.
		return
	}
	r.enqueue(id)
}

// Flush stops every armed timer and enqueues its ID immediately. Called
// once at shutdown so pending retries survive the process exit.
func (r *retryScheduler) Flush() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id, t := range r.pending {
		t.Stop()
		ids = append(ids, id)
	}
	r.pending = make(map[string]clock.Timer)
	r.flushed = true
	r.mu.Unlock()

	for _, id := range ids {
		r.enqueue(id)
	}
	if len(ids) > 0 {
		r.log.Info("flushed pending retries", "count", len(ids))
	}
}

// Pending reports how many re-enqueues are waiting.
func (r *retryScheduler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *retryScheduler) enqueue(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := r.queue.Enqueue(ctx, id); err != nil {
		// Row is still queued in the store; the startup sweep re-enqueues it.
		r.log.Error("re-enqueue failed", "message_id", id, "error", err)
	}
}
