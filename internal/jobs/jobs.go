// Package jobs runs the store's background sweeps on cron schedules:
// purging spent password-reset tokens, deleting terminal messages past the
// retention window, and scanning for certificates near expiry.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/herald-mq/herald/internal/ca"
	"github.com/herald-mq/herald/internal/events"
	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/metrics"
	"github.com/herald-mq/herald/internal/store"
)

// Sweep schedules. Odd minutes keep the sweeps off the top-of-hour spike.
const (
	tokenPurgeSpec    = "17 * * * *"
	retentionSpec     = "41 3 * * *"
	expiryScanSpec    = "5 6 * * *"
	textfileSpec      = "* * * * *"
	defaultExpiryWarn = 30 * 24 * time.Hour

	// jobTimeout bounds each sweep; none should be anywhere near it.
	jobTimeout = 5 * time.Minute
)

// Store is the slice of the store the sweeps use.
type Store interface {
	PurgeResetTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteOldMessages(ctx context.Context, cutoff time.Time) (int64, error)
	ExpiringCertificates(ctx context.Context, within time.Duration) ([]ca.Record, error)
	Audit(ctx context.Context, e store.AuditEntry) error
}

// LimiterCleaner drops stale per-IP login-limiter state. Implemented by the
// auth service.
type LimiterCleaner interface {
	CleanupRateLimiter()
}

// Config holds the sweep settings.
type Config struct {
	RetentionDays int
	ExpiryWarn    time.Duration
	TextfilePath  string // metrics snapshot for a textfile collector; empty = off
}

// Dependencies defines what the runner needs from the rest of the broker.
type Dependencies struct {
	Store   Store
	Auth    LimiterCleaner
	Bus     *events.Bus
	Log     *logging.Logger
	Metrics func(path string) error // textfile writer; defaults to metrics.WriteTextfile
}

// Runner owns the cron scheduler for the store's background sweeps.
type Runner struct {
	cfg  Config
	deps Dependencies
	log  *logging.Logger
	cron *cron.Cron
}

// New creates a runner with all sweeps registered but not started.
func New(cfg Config, deps Dependencies) (*Runner, error) {
	if cfg.ExpiryWarn <= 0 {
		cfg.ExpiryWarn = defaultExpiryWarn
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.WriteTextfile
	}
	r := &Runner{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log,
		cron: cron.New(),
	}

	entries := []struct {
		spec string
		name string
		fn   func()
	}{
		{tokenPurgeSpec, "token purge", r.PurgeTokens},
		{retentionSpec, "retention cleanup", r.RetentionCleanup},
		{expiryScanSpec, "certificate expiry scan", r.ExpiryScan},
	}
	if cfg.TextfilePath != "" {
		entries = append(entries, struct {
			spec string
			name string
			fn   func()
		}{textfileSpec, "metrics textfile", r.writeTextfile})
	}
	for _, e := range entries {
		if _, err := r.cron.AddFunc(e.spec, e.fn); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.name, err)
		}
	}
	return r, nil
}

// Start begins running the sweeps on their schedules.
func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info("background sweeps scheduled",
		"retention_days", r.cfg.RetentionDays,
		"expiry_warn", r.cfg.ExpiryWarn)
}

// Stop halts scheduling and waits for any running sweep to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Entries reports how many sweeps are scheduled.
func (r *Runner) Entries() int {
	return len(r.cron.Entries())
}

// PurgeTokens deletes used and expired password-reset tokens and drops
// stale login-limiter state.
func (r *Runner) PurgeTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := r.deps.Store.PurgeResetTokens(ctx, time.Now().UTC())
	if err != nil {
		r.log.Error("reset token purge failed", "error", err)
	} else if n > 0 {
		r.log.Info("reset tokens purged", "count", n)
	}
	r.deps.Auth.CleanupRateLimiter()
}

// RetentionCleanup deletes terminal messages older than the retention
// window. A zero or negative window disables the sweep.
func (r *Runner) RetentionCleanup() {
	if r.cfg.RetentionDays <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.RetentionDays)
	n, err := r.deps.Store.DeleteOldMessages(ctx, cutoff)
	if err != nil {
		r.log.Error("retention cleanup failed", "error", err)
		return
	}
	if n == 0 {
		return
	}
	r.log.Info("retention cleanup complete", "deleted", n, "cutoff", cutoff)
	if err := r.deps.Store.Audit(ctx, store.AuditEntry{
		Kind:   "retention.cleanup",
		Actor:  "jobs",
		Detail: fmt.Sprintf("deleted %d terminal messages older than %s", n, cutoff.Format(time.DateOnly)),
	}); err != nil {
		r.log.Error("retention audit write failed", "error", err)
	}
}

// ExpiryScan publishes a certificate.expiring event for every unrevoked
// certificate inside the warning window.
func (r *Runner) ExpiryScan() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	recs, err := r.deps.Store.ExpiringCertificates(ctx, r.cfg.ExpiryWarn)
	if err != nil {
		r.log.Error("certificate expiry scan failed", "error", err)
		return
	}
	for _, rec := range recs {
		r.deps.Bus.Publish(events.Event{
			Type:    events.EventCertExpiring,
			Subject: rec.CommonName,
			Detail:  rec.NotAfter.UTC().Format(time.RFC3339),
		})
	}
	if len(recs) > 0 {
		r.log.Warn("certificates expiring soon", "count", len(recs), "window", r.cfg.ExpiryWarn)
	}
}

func (r *Runner) writeTextfile() {
	if err := r.deps.Metrics(r.cfg.TextfilePath); err != nil {
		r.log.Error("metrics textfile write failed", "path", r.cfg.TextfilePath, "error", err)
	}
}
