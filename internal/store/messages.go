package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message lifecycle states. queued and delivering are live; the rest are
// terminal and never leave.
const (
	StatusQueued     = "queued"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// transitions is the legal state machine. Anything absent is refused,
// including self-transitions: first committer wins, the loser gets
// ErrIllegalTransition and backs off.
var transitions = map[string]map[string]bool{
	StatusQueued:     {StatusDelivering: true, StatusFailed: true, StatusCancelled: true},
	StatusDelivering: {StatusDelivered: true, StatusQueued: true, StatusFailed: true, StatusCancelled: true},
	StatusDelivered:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// Terminal reports whether a message in status can never change again.
func Terminal(status string) bool {
	return status == StatusDelivered || status == StatusFailed || status == StatusCancelled
}

// ValidStatus reports whether status names a known lifecycle state.
func ValidStatus(status string) bool {
	_, ok := transitions[status]
	return ok
}

// Message is a stored message. The body is ciphertext from the moment it
// enters this package; plaintext never touches the database.
type Message struct {
	ID                string
	ClientID          string
	SenderFingerprint string
	SenderMasked      string
	BodyCiphertext    []byte
	KeyID             int
	Status            string
	Attempts          int
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeliveredAt       *time.Time
}

// StatusUpdate is a requested transition. Nil fields are left unchanged;
// Attempts is an absolute count and may never decrease.
type StatusUpdate struct {
	Status    string
	Attempts  *int
	LastError *string
}

// RegisterMessage inserts m in queued state and writes the message.submitted
// audit entry in the same transaction. Idempotent on ID: a second call with
// an identical payload returns the stored row with created=false; a call
// reusing the ID with a different payload returns ErrConflict.
func (s *Store) RegisterMessage(ctx context.Context, m Message) (Message, bool, error) {
	now := time.Now().UTC()
	m.Status = StatusQueued
	m.Attempts = 0
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.KeyID == 0 {
		m.KeyID = 1
	}

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO messages
			(message_id, client_id, sender_fingerprint, sender_masked, body_ciphertext,
			 encryption_key_id, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ClientID, m.SenderFingerprint, m.SenderMasked, m.BodyCiphertext,
			m.KeyID, m.Status, m.Attempts, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			if !isUniqueViolation(err) {
				return fmt.Errorf("insert message: %w", err)
			}
			existing, gerr := getMessage(ctx, tx, m.ID)
			if gerr != nil {
				return gerr
			}
			if existing.ClientID != m.ClientID ||
				existing.SenderFingerprint != m.SenderFingerprint ||
				existing.SenderMasked != m.SenderMasked ||
				existing.KeyID != m.KeyID ||
				!bytes.Equal(existing.BodyCiphertext, m.BodyCiphertext) {
				return fmt.Errorf("message %s: payload differs from stored row: %w", m.ID, ErrConflict)
			}
			m = existing
			return nil
		}
		created = true
		return auditTx(ctx, tx, AuditEntry{
			Kind:      "message.submitted",
			Severity:  SeverityInfo,
			Actor:     m.ClientID,
			Target:    m.ID,
			Detail:    fmt.Sprintf("sender %s", m.SenderMasked),
			CreatedAt: now,
		})
	})
	if err != nil {
		return Message{}, false, err
	}
	return m, created, nil
}

// Message returns the stored row, ciphertext included.
func (s *Store) Message(ctx context.Context, id string) (Message, error) {
	return getMessage(ctx, s.db, id)
}

// UpdateMessageStatus applies a transition. Illegal transitions and attempt
// rollbacks are refused with ErrIllegalTransition, and the refusal itself is
// audited so an operator can see a worker misbehaving.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, up StatusUpdate, actor string) (Message, error) {
	var (
		out    Message
		denied error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMessage(ctx, tx, id)
		if err != nil {
			return err
		}

		reason := ""
		if !transitions[cur.Status][up.Status] {
			reason = fmt.Sprintf("%s -> %s", cur.Status, up.Status)
		} else if up.Attempts != nil && *up.Attempts < cur.Attempts {
			reason = fmt.Sprintf("attempts %d -> %d", cur.Attempts, *up.Attempts)
		}
		if reason != "" {
			denied = fmt.Errorf("message %s: %s: %w", id, reason, ErrIllegalTransition)
			return auditTx(ctx, tx, AuditEntry{
				Kind:      "message.status_denied",
				Severity:  SeverityWarn,
				Actor:     actor,
				Target:    id,
				Detail:    reason,
				CreatedAt: time.Now().UTC(),
			})
		}

		now := time.Now().UTC()
		cur.Status = up.Status
		cur.UpdatedAt = now
		if up.Attempts != nil {
			cur.Attempts = *up.Attempts
		}
		if up.LastError != nil {
			cur.LastError = *up.LastError
		}
		if up.Status == StatusDelivered && cur.DeliveredAt == nil {
			cur.DeliveredAt = &now
		}
		if err := writeMessage(ctx, tx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if denied != nil {
		return Message{}, denied
	}
	return out, nil
}

// ConfirmDelivery moves delivering -> delivered and stamps delivered_at.
func (s *Store) ConfirmDelivery(ctx context.Context, id, actor string) (Message, error) {
	return s.UpdateMessageStatus(ctx, id, StatusUpdate{Status: StatusDelivered}, actor)
}

// CancelMessage cancels a live message on behalf of an operator. Terminal
// messages cannot be cancelled.
func (s *Store) CancelMessage(ctx context.Context, id, actor string) (Message, error) {
	m, err := s.UpdateMessageStatus(ctx, id, StatusUpdate{Status: StatusCancelled}, actor)
	if err != nil {
		return Message{}, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return auditTx(ctx, tx, AuditEntry{
			Kind:      "message.cancelled",
			Severity:  SeverityInfo,
			Actor:     actor,
			Target:    id,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// MessageFilter narrows and pages ListMessages. Zero values mean "all".
type MessageFilter struct {
	Status   string
	ClientID string
	Page     int
	PageSize int
}

// ListMessages returns a page of messages, newest first, plus the total
// count matching the filter.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]Message, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 50
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	rows, err := s.db.QueryContext(ctx, "SELECT "+messageColumns+" FROM messages"+clause+
		" ORDER BY created_at DESC, message_id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// Stats is the operator dashboard summary.
type Stats struct {
	TotalMessages  int            `json:"total_messages"`
	ByStatus       map[string]int `json:"messages_by_status"`
	TotalClients   int            `json:"total_clients"`
	ActiveClients  int            `json:"active_clients"`
	RevokedClients int            `json:"revoked_clients"`
	Last24h        int            `json:"messages_last_24h"`
	Last7d         int            `json:"messages_last_7d"`
	Last30d        int            `json:"messages_last_30d"`
}

// Stats aggregates message and client counts as of now.
func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	st := Stats{ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("scan status count: %w", err)
		}
		st.ByStatus[status] = n
		st.TotalMessages += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN active = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN active = 0 THEN 1 ELSE 0 END), 0)
		FROM clients`).Scan(&st.TotalClients, &st.ActiveClients, &st.RevokedClients)
	if err != nil {
		return Stats{}, fmt.Errorf("count clients: %w", err)
	}

	for _, w := range []struct {
		since time.Time
		dst   *int
	}{
		{now.Add(-24 * time.Hour), &st.Last24h},
		{now.Add(-7 * 24 * time.Hour), &st.Last7d},
		{now.Add(-30 * 24 * time.Hour), &st.Last30d},
	} {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE created_at >= ?`, w.since.UTC()).Scan(w.dst); err != nil {
			return Stats{}, fmt.Errorf("count recent messages: %w", err)
		}
	}
	return st, nil
}

// ReconcileStale recovers messages orphaned by a crashed worker. Rows stuck
// in delivering since before deliveringBefore go back to queued; rows sitting
// in queued since before queuedBefore are assumed lost from the queue. Both
// sets get their updated_at touched so the next sweep skips them, and their
// ids are returned for re-enqueueing.
func (s *Store) ReconcileStale(ctx context.Context, deliveringBefore, queuedBefore time.Time, actor string) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		stale, err := collectIDs(ctx, tx,
			`SELECT message_id FROM messages WHERE status = ? AND updated_at < ? ORDER BY created_at`,
			StatusDelivering, deliveringBefore.UTC())
		if err != nil {
			return err
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET status = ?, updated_at = ? WHERE message_id = ?`,
				StatusQueued, now, id); err != nil {
				return fmt.Errorf("reset stale delivering: %w", err)
			}
		}
		ids = append(ids, stale...)

		lost, err := collectIDs(ctx, tx,
			`SELECT message_id FROM messages WHERE status = ? AND updated_at < ? ORDER BY created_at`,
			StatusQueued, queuedBefore.UTC())
		if err != nil {
			return err
		}
		for _, id := range lost {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET updated_at = ? WHERE message_id = ?`, now, id); err != nil {
				return fmt.Errorf("touch stale queued: %w", err)
			}
		}
		ids = append(ids, lost...)

		if len(ids) == 0 {
			return nil
		}
		return auditTx(ctx, tx, AuditEntry{
			Kind:      "queue.reconciled",
			Severity:  SeverityWarn,
			Actor:     actor,
			Detail:    fmt.Sprintf("requeued %d stale messages", len(ids)),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteOldMessages removes terminal messages past the retention cutoff:
// delivered rows by delivered_at, failed and cancelled rows by updated_at.
func (s *Store) DeleteOldMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE
		(status = ? AND delivered_at < ?) OR (status IN (?, ?) AND updated_at < ?)`,
		StatusDelivered, cutoff.UTC(), StatusFailed, StatusCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	return res.RowsAffected()
}

// --- row plumbing ---

const messageColumns = `message_id, client_id, sender_fingerprint, sender_masked,
	body_ciphertext, encryption_key_id, status, attempts, last_error,
	created_at, updated_at, delivered_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMessage(ctx context.Context, q querier, id string) (Message, error) {
	row := q.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE message_id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

func writeMessage(ctx context.Context, tx *sql.Tx, m Message) error {
	var lastErr sql.NullString
	if m.LastError != "" {
		lastErr = sql.NullString{String: m.LastError, Valid: true}
	}
	var deliveredAt sql.NullTime
	if m.DeliveredAt != nil {
		deliveredAt = sql.NullTime{Time: m.DeliveredAt.UTC(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `UPDATE messages SET
		status = ?, attempts = ?, last_error = ?, updated_at = ?, delivered_at = ?
		WHERE message_id = ?`,
		m.Status, m.Attempts, lastErr, m.UpdatedAt, deliveredAt, m.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dst ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		lastErr     sql.NullString
		deliveredAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ClientID, &m.SenderFingerprint, &m.SenderMasked,
		&m.BodyCiphertext, &m.KeyID, &m.Status, &m.Attempts, &lastErr,
		&m.CreatedAt, &m.UpdatedAt, &deliveredAt)
	if err != nil {
		return Message{}, err
	}
	m.LastError = lastErr.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	return m, nil
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
