package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/herald-mq/herald/internal/ca"
	"github.com/herald-mq/herald/internal/events"
	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	purged   int64
	purgeErr error

	deleted      int64
	deleteCutoff time.Time
	deleteCalls  int
	deleteErr    error

	expiring  []ca.Record
	expireErr error

	audits []store.AuditEntry
}

func (f *fakeStore) PurgeResetTokens(_ context.Context, _ time.Time) (int64, error) {
	return f.purged, f.purgeErr
}

func (f *fakeStore) DeleteOldMessages(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	f.deleteCutoff = cutoff
	return f.deleted, f.deleteErr
}

func (f *fakeStore) ExpiringCertificates(_ context.Context, _ time.Duration) ([]ca.Record, error) {
	return f.expiring, f.expireErr
}

func (f *fakeStore) Audit(_ context.Context, e store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

type fakeLimiter struct{ cleanups int }

func (f *fakeLimiter) CleanupRateLimiter() { f.cleanups++ }

func testRunner(t *testing.T, cfg Config, st *fakeStore) (*Runner, *fakeLimiter, *events.Bus) {
	t.Helper()
	lim := &fakeLimiter{}
	bus := events.New()
	r, err := New(cfg, Dependencies{
		Store:   st,
		Auth:    lim,
		Bus:     bus,
		Log:     logging.Discard(),
		Metrics: func(string) error { return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, lim, bus
}

func TestNewRegistersSweeps(t *testing.T) {
	r, _, _ := testRunner(t, Config{RetentionDays: 180}, &fakeStore{})
	if got := r.Entries(); got != 3 {
		t.Errorf("entries = %d, want 3", got)
	}

	r, _, _ = testRunner(t, Config{RetentionDays: 180, TextfilePath: "/tmp/herald.prom"}, &fakeStore{})
	if got := r.Entries(); got != 4 {
		t.Errorf("entries with textfile = %d, want 4", got)
	}
}

func TestPurgeTokensCleansLimiter(t *testing.T) {
	st := &fakeStore{purged: 3}
	r, lim, _ := testRunner(t, Config{}, st)

	r.PurgeTokens()

	if lim.cleanups != 1 {
		t.Errorf("limiter cleanups = %d, want 1", lim.cleanups)
	}
}

func TestPurgeTokensErrorStillCleansLimiter(t *testing.T) {
	st := &fakeStore{purgeErr: errors.New("database locked")}
	r, lim, _ := testRunner(t, Config{}, st)

	r.PurgeTokens()

	if lim.cleanups != 1 {
		t.Errorf("limiter cleanups = %d, want 1", lim.cleanups)
	}
}

func TestRetentionCleanupAudits(t *testing.T) {
	st := &fakeStore{deleted: 42}
	r, _, _ := testRunner(t, Config{RetentionDays: 30}, st)

	r.RetentionCleanup()

	wantCutoff := time.Now().UTC().AddDate(0, 0, -30)
	if d := st.deleteCutoff.Sub(wantCutoff); d < -time.Minute || d > time.Minute {
		t.Errorf("cutoff = %v, want about %v", st.deleteCutoff, wantCutoff)
	}
	if len(st.audits) != 1 {
		t.Fatalf("audits = %d, want 1", len(st.audits))
	}
	if st.audits[0].Kind != "retention.cleanup" {
		t.Errorf("audit kind = %s, want retention.cleanup", st.audits[0].Kind)
	}
}

func TestRetentionCleanupNothingDeletedNoAudit(t *testing.T) {
	st := &fakeStore{deleted: 0}
	r, _, _ := testRunner(t, Config{RetentionDays: 30}, st)

	r.RetentionCleanup()

	if len(st.audits) != 0 {
		t.Errorf("audits = %d, want 0", len(st.audits))
	}
}

func TestRetentionCleanupDisabled(t *testing.T) {
	st := &fakeStore{deleted: 7}
	r, _, _ := testRunner(t, Config{RetentionDays: 0}, st)

	r.RetentionCleanup()

	if st.deleteCalls != 0 {
		t.Errorf("delete calls = %d, want 0 when retention disabled", st.deleteCalls)
	}
}

func TestExpiryScanPublishesEvents(t *testing.T) {
	expiry := time.Now().UTC().Add(10 * 24 * time.Hour)
	st := &fakeStore{expiring: []ca.Record{
		{Serial: "aa", CommonName: "client-a", NotAfter: expiry},
		{Serial: "bb", CommonName: "worker-1", NotAfter: expiry},
	}}
	r, _, bus := testRunner(t, Config{}, st)

	ch, cancel := bus.Subscribe()
	defer cancel()

	r.ExpiryScan()

	var got []events.Event
	for {
		select {
		case evt := <-ch:
			got = append(got, evt)
			continue
		default:
		}
		break
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	for _, evt := range got {
		if evt.Type != events.EventCertExpiring {
			t.Errorf("event type = %s, want %s", evt.Type, events.EventCertExpiring)
		}
	}
	if got[0].Subject != "client-a" || got[1].Subject != "worker-1" {
		t.Errorf("subjects = %s, %s", got[0].Subject, got[1].Subject)
	}
}

func TestTextfileWriterInvoked(t *testing.T) {
	var paths []string
	r, err := New(Config{TextfilePath: "/var/lib/herald/metrics.prom"}, Dependencies{
		Store:   &fakeStore{},
		Auth:    &fakeLimiter{},
		Bus:     events.New(),
		Log:     logging.Discard(),
		Metrics: func(p string) error { paths = append(paths, p); return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.writeTextfile()

	if len(paths) != 1 || paths[0] != "/var/lib/herald/metrics.prom" {
		t.Fatalf("paths = %v, want the configured textfile path", paths)
	}
}
