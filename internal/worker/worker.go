// Package worker implements the delivery side of the broker: a pool of
// slots that pop message IDs from the queue, claim the rows, confirm
// delivery against the store, and retry failures on a fixed interval until
// the attempt cap moves them to failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herald-mq/herald/internal/clock"
	"github.com/herald-mq/herald/internal/events"
	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/metrics"
	"github.com/herald-mq/herald/internal/store"
)

const (
	defaultPopTimeout    = 5 * time.Second
	defaultShutdownGrace = 30 * time.Second

	// popErrorPause keeps a slot from spinning when the queue is down.
	popErrorPause = time.Second

	// enqueueTimeout bounds re-enqueue writes, which run detached from any
	// request context.
	enqueueTimeout = 5 * time.Second

	// queueSampleInterval is how often the queue depth gauge is refreshed.
	queueSampleInterval = 15 * time.Second

	// maxErrorLen caps what gets written into last_error.
	maxErrorLen = 512
)

// StoreClient is the slice of the store's internal API the worker uses.
type StoreClient interface {
	GetMessage(ctx context.Context, id string) (store.Message, error)
	UpdateStatus(ctx context.Context, id string, up store.StatusUpdate) (store.Message, error)
	Deliver(ctx context.Context, id string) error
	Reconcile(ctx context.Context, deliveringBefore, queuedBefore time.Time) ([]string, error)
	Ping(ctx context.Context) error
}

// Queue is the slice of the message queue the worker uses.
type Queue interface {
	Enqueue(ctx context.Context, messageID string) error
	PopBlocking(ctx context.Context, timeout time.Duration) (string, bool, error)
	Length(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Config holds the worker pool settings.
type Config struct {
	WorkerID        string
	Concurrency     int
	RetryInterval   time.Duration
	MaxAttempts     int
	DeliveryTimeout time.Duration
	PopTimeout      time.Duration
	ShutdownGrace   time.Duration
}

// Dependencies defines what the worker needs from the rest of the broker.
type Dependencies struct {
	Store StoreClient
	Queue Queue
	Bus   *events.Bus
	Log   *logging.Logger
	Clock clock.Clock
}

// Worker runs delivery slots until its context is cancelled.
type Worker struct {
	cfg     Config
	deps    Dependencies
	log     *logging.Logger
	clk     clock.Clock
	retries *retryScheduler
}

// New creates a worker pool. Zero config fields get working defaults.
func New(cfg Config, deps Dependencies) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10000
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Worker{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log,
		clk:     deps.Clock,
		retries: newRetryScheduler(deps.Clock, deps.Queue, deps.Log, cfg.RetryInterval),
	}
}

// Run reconciles stale rows, then pops and processes messages on
// Concurrency slots until ctx is cancelled. Shutdown stops popping, waits
// up to the grace period for in-flight deliveries, and flushes scheduled
// re-enqueues immediately so no retry is lost to the process exit.
func (w *Worker) Run(ctx context.Context) error {
	w.reconcile(ctx)

	var g errgroup.Group
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.slot(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.sampleQueueDepth(ctx)
		return nil
	})
	w.log.Info("worker running",
		"worker_id", w.cfg.WorkerID,
		"slots", w.cfg.Concurrency,
		"retry_interval", w.cfg.RetryInterval,
		"max_attempts", w.cfg.MaxAttempts)

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.log.Info("worker draining", "grace", w.cfg.ShutdownGrace)
		select {
		case <-done:
		case <-w.clk.After(w.cfg.ShutdownGrace):
			w.log.Warn("shutdown grace elapsed with deliveries in flight")
		}
	}

	w.retries.Flush()
	w.log.Info("worker stopped", "worker_id", w.cfg.WorkerID)
	return nil
}

// reconcile resets rows stranded by a previous crash: delivering rows whose
// lease is stale, and queued rows whose queue entry was lost. Each comes
// back exactly once.
func (w *Worker) reconcile(ctx context.Context) {
	now := w.clk.Now().UTC()
	ids, err := w.deps.Store.Reconcile(ctx,
		now.Add(-2*w.cfg.DeliveryTimeout),
		now.Add(-2*w.cfg.RetryInterval))
	if err != nil {
		w.log.Error("startup reconciliation failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := w.deps.Queue.Enqueue(ctx, id); err != nil {
			w.log.Error("re-enqueue reconciled message failed", "message_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		w.log.Info("reconciled stale messages", "count", len(ids))
	}
}

// slot is one delivery loop. It returns only when ctx is cancelled; queue
// failures are logged and retried after a pause.
func (w *Worker) slot(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok, err := w.deps.Queue.PopBlocking(ctx, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.clk.After(popErrorPause):
			}
			continue
		}
		if !ok {
			continue
		}
		w.process(id)
	}
}

// process runs one delivery attempt. It deliberately does not inherit the
// run context: a popped message is finished on its own timeouts even while
// the worker is shutting down.
func (w *Worker) process(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*w.cfg.DeliveryTimeout)
	defer cancel()

	m, err := w.deps.Store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Warn("popped unknown message", "message_id", id)
		w.count(metrics.OutcomeDropped)
		return
	}
	if err != nil {
		w.log.Error("load message failed", "message_id", id, "error", err)
		w.retries.Schedule(id)
		return
	}
	if store.Terminal(m.Status) {
		// Duplicate pop after a crash, or cancelled while queued.
		w.count(metrics.OutcomeDropped)
		return
	}

	metrics.QueueWait.Observe(w.clk.Since(m.UpdatedAt).Seconds())

	attempts := m.Attempts + 1
	m, err = w.deps.Store.UpdateStatus(ctx, id, store.StatusUpdate{
		Status:   store.StatusDelivering,
		Attempts: &attempts,
	})
	if err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// Another slot holds the lease or an operator got there first.
			w.count(metrics.OutcomeDropped)
			return
		}
		w.log.Error("claim failed", "message_id", id, "error", err)
		w.retries.Schedule(id)
		return
	}

	metrics.InFlight.Inc()
	start := w.clk.Now()
	err = w.deliver(id)
	metrics.DeliveryDuration.Observe(w.clk.Since(start).Seconds())
	metrics.InFlight.Dec()

	if err == nil {
		w.log.Info("message delivered", "message_id", id, "attempts", attempts)
		w.count(metrics.OutcomeDelivered)
		return
	}
	if errors.Is(err, store.ErrIllegalTransition) {
		// Cancelled mid-flight; the confirmation lost the race.
		w.log.Info("message terminal before confirmation", "message_id", id)
		w.count(metrics.OutcomeDropped)
		return
	}

	w.handleFailure(ctx, m, attempts, err)
}

// deliver confirms the delivery against the store, bounded by the delivery
// timeout.
func (w *Worker) deliver(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DeliveryTimeout)
	defer cancel()
	return w.deps.Store.Deliver(ctx, id)
}

// handleFailure routes a failed attempt: under the cap the message goes
// back to queued with a scheduled re-enqueue after the fixed retry
// interval; at the cap it becomes failed and the failure event fires.
func (w *Worker) handleFailure(ctx context.Context, m store.Message, attempts int, derr error) {
	reason := truncateError(derr)

	if attempts >= w.cfg.MaxAttempts {
		lastErr := fmt.Sprintf("exceeded maximum attempts (%d): %s", w.cfg.MaxAttempts, reason)
		if _, err := w.deps.Store.UpdateStatus(ctx, m.ID, store.StatusUpdate{
			Status:    store.StatusFailed,
			LastError: &lastErr,
		}); err != nil {
			if errors.Is(err, store.ErrIllegalTransition) {
				w.count(metrics.OutcomeDropped)
				return
			}
			// Row stays delivering; the startup sweep picks it up.
			w.log.Error("mark failed write failed", "message_id", m.ID, "error", err)
			return
		}
		w.log.Warn("message failed permanently",
			"message_id", m.ID, "attempts", attempts, "error", reason)
		w.count(metrics.OutcomeFailed)
		w.deps.Bus.Publish(events.Event{
			Type:      events.EventMessageFailed,
			MessageID: m.ID,
			ClientID:  m.ClientID,
			Detail:    lastErr,
		})
		return
	}

	retryErr := fmt.Sprintf("attempt %d failed: %s", attempts, reason)
	if _, err := w.deps.Store.UpdateStatus(ctx, m.ID, store.StatusUpdate{
		Status:    store.StatusQueued,
		LastError: &retryErr,
	}); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// Cancelled while we were failing; nothing left to retry.
			w.count(metrics.OutcomeDropped)
			return
		}
		// Row stays delivering; the startup sweep picks it up.
		w.log.Error("requeue status write failed", "message_id", m.ID, "error", err)
		return
	}
	w.log.Info("delivery failed, retry scheduled",
		"message_id", m.ID, "attempts", attempts, "retry_in", w.cfg.RetryInterval, "error", reason)
	w.count(metrics.OutcomeRetried)
	w.retries.Schedule(m.ID)
}

// sampleQueueDepth refreshes the queue size gauge until ctx is cancelled.
func (w *Worker) sampleQueueDepth(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(queueSampleInterval):
		}
		sampleCtx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		n, err := w.deps.Queue.Length(sampleCtx)
		cancel()
		if err != nil {
			continue
		}
		metrics.QueueSize.Set(float64(n))
	}
}

func (w *Worker) count(outcome string) {
	metrics.MessagesProcessed.WithLabelValues(w.cfg.WorkerID, outcome).Inc()
}

// PendingRetries reports how many re-enqueues are waiting on the retry
// interval.
func (w *Worker) PendingRetries() int {
	return w.retries.Pending()
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
