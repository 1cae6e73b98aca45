package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testMessage(id, clientID string) Message {
	return Message{
		ID:                id,
		ClientID:          clientID,
		SenderFingerprint: "fp-" + id,
		SenderMasked:      "+49******6789",
		BodyCiphertext:    []byte("ciphertext-" + id),
		KeyID:             1,
	}
}

func mustRegister(t *testing.T, s *Store, m Message) Message {
	t.Helper()
	got, created, err := s.RegisterMessage(context.Background(), m)
	if err != nil {
		t.Fatalf("RegisterMessage(%s): %v", m.ID, err)
	}
	if !created {
		t.Fatalf("RegisterMessage(%s): expected fresh insert", m.ID)
	}
	return got
}

func auditCount(t *testing.T, s *Store, kind string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE kind = ?`, kind).Scan(&n); err != nil {
		t.Fatalf("count audit %q: %v", kind, err)
	}
	return n
}

func TestRegisterMessage(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")

	m := mustRegister(t, s, testMessage("msg-1", "client-a"))
	if m.Status != StatusQueued {
		t.Errorf("status = %q, want %q", m.Status, StatusQueued)
	}
	if m.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", m.Attempts)
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if n := auditCount(t, s, "message.submitted"); n != 1 {
		t.Errorf("message.submitted audit entries = %d, want 1", n)
	}
}

func TestRegisterMessageIdempotent(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")

	orig := testMessage("msg-1", "client-a")
	mustRegister(t, s, orig)

	got, created, err := s.RegisterMessage(context.Background(), orig)
	if err != nil {
		t.Fatalf("second RegisterMessage: %v", err)
	}
	if created {
		t.Error("second register reported created=true")
	}
	if got.ID != "msg-1" || got.Status != StatusQueued {
		t.Errorf("got %+v, want original queued row", got)
	}

	_, total, err := s.ListMessages(context.Background(), MessageFilter{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if total != 1 {
		t.Errorf("total rows = %d, want 1", total)
	}
	if n := auditCount(t, s, "message.submitted"); n != 1 {
		t.Errorf("idempotent retry wrote extra audit entries: %d", n)
	}
}

func TestRegisterMessageConflict(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")

	mustRegister(t, s, testMessage("msg-1", "client-a"))

	other := testMessage("msg-1", "client-a")
	other.BodyCiphertext = []byte("different ciphertext")
	_, _, err := s.RegisterMessage(context.Background(), other)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("id reuse with different payload: err = %v, want ErrConflict", err)
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	ctx := context.Background()

	mustRegister(t, s, testMessage("msg-1", "client-a"))

	one := 1
	m, err := s.UpdateMessageStatus(ctx, "msg-1", StatusUpdate{Status: StatusDelivering, Attempts: &one}, "worker-1")
	if err != nil {
		t.Fatalf("queued -> delivering: %v", err)
	}
	if m.Status != StatusDelivering || m.Attempts != 1 {
		t.Errorf("got status=%q attempts=%d, want delivering/1", m.Status, m.Attempts)
	}

	// Retry path keeps the attempt count and records the error.
	lastErr := "connect: connection refused"
	m, err = s.UpdateMessageStatus(ctx, "msg-1", StatusUpdate{Status: StatusQueued, LastError: &lastErr}, "worker-1")
	if err != nil {
		t.Fatalf("delivering -> queued: %v", err)
	}
	if m.Attempts != 1 || m.LastError != lastErr {
		t.Errorf("got attempts=%d lastError=%q", m.Attempts, m.LastError)
	}
	if m.DeliveredAt != nil {
		t.Error("delivered_at set on non-delivered message")
	}
}

func TestUpdateMessageStatusIllegal(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	ctx := context.Background()

	mustRegister(t, s, testMessage("msg-1", "client-a"))

	// queued -> delivered skips delivering.
	_, err := s.UpdateMessageStatus(ctx, "msg-1", StatusUpdate{Status: StatusDelivered}, "worker-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("queued -> delivered: err = %v, want ErrIllegalTransition", err)
	}
	if n := auditCount(t, s, "message.status_denied"); n != 1 {
		t.Errorf("denied transition not audited: %d entries", n)
	}

	// Terminal states never leave.
	one := 1
	if _, err := s.UpdateMessageStatus(ctx, "msg-1", StatusUpdate{Status: StatusDelivering, Attempts: &one}, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConfirmDelivery(ctx, "msg-1", "worker-1"); err != nil {
		t.Fatal(err)
	}
	_, err = s.UpdateMessageStatus(ctx, "msg-1", StatusUpdate{Status: StatusQueued}, "worker-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("delivered -> queued: err = %v, want ErrIllegalTransition", err)
	}

	// Attempt counter never decreases.
	seedClient(t, s, "client-b")
	mustRegister(t, s, testMessage("msg-2", "client-b"))
	three := 3
	if _, err := s.UpdateMessageStatus(ctx, "msg-2", StatusUpdate{Status: StatusDelivering, Attempts: &three}, "worker-1"); err != nil {
		t.Fatal(err)
	}
	two := 2
	_, err = s.UpdateMessageStatus(ctx, "msg-2", StatusUpdate{Status: StatusQueued, Attempts: &two}, "worker-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("attempt rollback: err = %v, want ErrIllegalTransition", err)
	}

	_, err = s.UpdateMessageStatus(ctx, "missing", StatusUpdate{Status: StatusDelivering}, "worker-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestConfirmDelivery(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	ctx := context.Background()

	mustRegister(t, s, testMessage("msg-1", "client-a"))
	one := 1
	if _, err := s.UpdateMessageStatus(ctx, "msg-1", StatusUpdate{Status: StatusDelivering, Attempts: &one}, "worker-1"); err != nil {
		t.Fatal(err)
	}

	m, err := s.ConfirmDelivery(ctx, "msg-1", "worker-1")
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if m.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered", m.Status)
	}
	if m.DeliveredAt == nil {
		t.Fatal("delivered_at not set")
	}

	// A duplicate confirm is a refused self-transition.
	_, err = s.ConfirmDelivery(ctx, "msg-1", "worker-2")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("double confirm: err = %v, want ErrIllegalTransition", err)
	}
}

func TestCancelMessage(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	ctx := context.Background()

	mustRegister(t, s, testMessage("msg-1", "client-a"))

	m, err := s.CancelMessage(ctx, "msg-1", "admin@example.com")
	if err != nil {
		t.Fatalf("CancelMessage: %v", err)
	}
	if m.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", m.Status)
	}
	if n := auditCount(t, s, "message.cancelled"); n != 1 {
		t.Errorf("cancel not audited: %d entries", n)
	}

	// Cancelling a terminal message is refused.
	_, err = s.CancelMessage(ctx, "msg-1", "admin@example.com")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel cancelled: err = %v, want ErrIllegalTransition", err)
	}
}

func TestListMessages(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	seedClient(t, s, "client-b")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustRegister(t, s, testMessage(fmt.Sprintf("msg-a-%d", i), "client-a"))
	}
	mustRegister(t, s, testMessage("msg-b-0", "client-b"))
	one := 1
	if _, err := s.UpdateMessageStatus(ctx, "msg-a-0", StatusUpdate{Status: StatusDelivering, Attempts: &one}, "w"); err != nil {
		t.Fatal(err)
	}

	// Filter by client.
	got, total, err := s.ListMessages(ctx, MessageFilter{ClientID: "client-a"})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if total != 5 || len(got) != 5 {
		t.Errorf("client-a: total=%d len=%d, want 5/5", total, len(got))
	}

	// Filter by status.
	got, total, err = s.ListMessages(ctx, MessageFilter{Status: StatusDelivering})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || got[0].ID != "msg-a-0" {
		t.Errorf("delivering filter: total=%d got=%v", total, got)
	}

	// Pagination: page 2 of size 4 over 6 rows leaves 2.
	got, total, err = s.ListMessages(ctx, MessageFilter{Page: 2, PageSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 || len(got) != 2 {
		t.Errorf("page 2: total=%d len=%d, want 6/2", total, len(got))
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	c2 := seedClient(t, s, "client-b")
	ctx := context.Background()

	if err := s.SetClientActive(ctx, c2.ID, false, ""); err != nil {
		t.Fatal(err)
	}

	mustRegister(t, s, testMessage("msg-1", "client-a"))
	mustRegister(t, s, testMessage("msg-2", "client-a"))
	if _, err := s.CancelMessage(ctx, "msg-2", "admin"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalMessages != 2 {
		t.Errorf("TotalMessages = %d, want 2", st.TotalMessages)
	}
	if st.ByStatus[StatusQueued] != 1 || st.ByStatus[StatusCancelled] != 1 {
		t.Errorf("ByStatus = %v", st.ByStatus)
	}
	if st.TotalClients != 2 || st.ActiveClients != 1 || st.RevokedClients != 1 {
		t.Errorf("clients = %d/%d/%d, want 2/1/1", st.TotalClients, st.ActiveClients, st.RevokedClients)
	}
	if st.Last24h != 2 || st.Last7d != 2 || st.Last30d != 2 {
		t.Errorf("recent = %d/%d/%d, want 2/2/2", st.Last24h, st.Last7d, st.Last30d)
	}
}

func TestReconcileStale(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	ctx := context.Background()

	// msg-1: stuck in delivering since 10 minutes ago.
	mustRegister(t, s, testMessage("msg-1", "client-a"))
	one := 1
	if _, err := s.UpdateMessageStatus(ctx, "msg-1", StatusUpdate{Status: StatusDelivering, Attempts: &one}, "w"); err != nil {
		t.Fatal(err)
	}
	backdate(t, s, "msg-1", 10*time.Minute)

	// msg-2: queued but lost from the queue an hour ago.
	mustRegister(t, s, testMessage("msg-2", "client-a"))
	backdate(t, s, "msg-2", time.Hour)

	// msg-3: freshly delivering, must be left alone.
	mustRegister(t, s, testMessage("msg-3", "client-a"))
	if _, err := s.UpdateMessageStatus(ctx, "msg-3", StatusUpdate{Status: StatusDelivering, Attempts: &one}, "w"); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	ids, err := s.ReconcileStale(ctx, now.Add(-time.Minute), now.Add(-30*time.Minute), "worker-1")
	if err != nil {
		t.Fatalf("ReconcileStale: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("reconciled ids = %v, want [msg-1 msg-2]", ids)
	}

	m1, _ := s.Message(ctx, "msg-1")
	if m1.Status != StatusQueued {
		t.Errorf("msg-1 status = %q, want queued", m1.Status)
	}
	m3, _ := s.Message(ctx, "msg-3")
	if m3.Status != StatusDelivering {
		t.Errorf("msg-3 status = %q, want delivering", m3.Status)
	}

	// A second sweep right away finds nothing (updated_at was touched).
	ids, err = s.ReconcileStale(ctx, now.Add(-time.Minute), now.Add(-30*time.Minute), "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("second sweep reconciled %v, want none", ids)
	}
}

func TestDeleteOldMessages(t *testing.T) {
	s := testStore(t)
	seedClient(t, s, "client-a")
	ctx := context.Background()

	// Old delivered message.
	mustRegister(t, s, testMessage("msg-old", "client-a"))
	one := 1
	if _, err := s.UpdateMessageStatus(ctx, "msg-old", StatusUpdate{Status: StatusDelivering, Attempts: &one}, "w"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConfirmDelivery(ctx, "msg-old", "w"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`UPDATE messages SET delivered_at = ? WHERE message_id = ?`,
		time.Now().UTC().Add(-48*time.Hour), "msg-old"); err != nil {
		t.Fatal(err)
	}

	// Old cancelled message.
	mustRegister(t, s, testMessage("msg-cancelled", "client-a"))
	if _, err := s.CancelMessage(ctx, "msg-cancelled", "admin"); err != nil {
		t.Fatal(err)
	}
	backdate(t, s, "msg-cancelled", 48*time.Hour)

	// Old but still queued: retention never touches live messages.
	mustRegister(t, s, testMessage("msg-live", "client-a"))
	backdate(t, s, "msg-live", 48*time.Hour)

	n, err := s.DeleteOldMessages(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOldMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}
	if _, err := s.Message(ctx, "msg-live"); err != nil {
		t.Errorf("live message was deleted: %v", err)
	}
	if _, err := s.Message(ctx, "msg-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old delivered message survived: %v", err)
	}
}

// backdate shifts a message's updated_at into the past.
func backdate(t *testing.T, s *Store, id string, by time.Duration) {
	t.Helper()
	if _, err := s.db.Exec(`UPDATE messages SET updated_at = ? WHERE message_id = ?`,
		time.Now().UTC().Add(-by), id); err != nil {
		t.Fatalf("backdate %s: %v", id, err)
	}
}
