// Package queue is the durable FIFO between ingress and workers: a single
// Redis list of message ids. Payloads never enter the queue; the store holds
// them, so a lost queue entry is recoverable by reconciliation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/herald-mq/herald/internal/logging"
)

const defaultKey = "message_queue"

// ErrUnavailable marks queue operation failures so callers can map them to
// backpressure (ingress 503, worker retry) rather than hard errors.
var ErrUnavailable = errors.New("queue unavailable")

// Queue wraps the Redis list. Safe for concurrent use.
type Queue struct {
	rdb *redis.Client
	key string
	log *logging.Logger
}

// Open connects to the queue at a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string, log *logging.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect queue: %w: %w", ErrUnavailable, err)
	}
	return &Queue{rdb: rdb, key: defaultKey, log: log}, nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Enqueue appends a message id. The id is durable once this returns nil.
func (q *Queue) Enqueue(ctx context.Context, messageID string) error {
	if err := q.rdb.LPush(ctx, q.key, messageID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w: %w", messageID, ErrUnavailable, err)
	}
	return nil
}

// PopBlocking removes and returns the oldest id, waiting up to timeout. The
// bool reports whether an id was received; a plain timeout is not an error.
// BRPOP hands each entry to exactly one consumer.
func (q *Queue) PopBlocking(ctx context.Context, timeout time.Duration) (string, bool, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, fmt.Errorf("pop: %w: %w", ErrUnavailable, err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return "", false, fmt.Errorf("pop: unexpected reply of %d elements", len(vals))
	}
	return vals[1], true, nil
}

// Length returns the number of queued ids, for metrics and backpressure.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w: %w", ErrUnavailable, err)
	}
	return n, nil
}

// Ping reports queue reachability for health checks.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
