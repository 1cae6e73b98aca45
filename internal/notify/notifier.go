// Package notify delivers broker events to operator-facing channels.
package notify

import (
	"context"

	"github.com/herald-mq/herald/internal/events"
)

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors; failures are logged but don't block the broker.
type Multi struct {
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated; notifications must not block
// message processing.
func (m *Multi) Notify(ctx context.Context, event events.Event) bool {
	if len(m.notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range m.notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"message_id", event.MessageID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Run subscribes to the bus and forwards every published event to the
// dispatcher until ctx is cancelled.
func Run(ctx context.Context, bus *events.Bus, m *Multi) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			m.Notify(ctx, event)
		}
	}
}
