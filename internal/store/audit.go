package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Audit severities.
const (
	SeverityInfo = "info"
	SeverityWarn = "warn"
)

// AuditEntry is one security-relevant event. The audit log is append-only;
// nothing in this package updates or deletes rows.
type AuditEntry struct {
	ID        int64
	Kind      string
	Severity  string
	Actor     string
	Target    string
	Detail    string
	CreatedAt time.Time
}

// Audit appends an entry. Most writes audit inside their own transaction via
// auditTx; this is for callers recording standalone events (logins, cert
// operations, scheduled jobs).
func (s *Store) Audit(ctx context.Context, e AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return auditTx(ctx, tx, e)
	})
}

func auditTx(ctx context.Context, tx *sql.Tx, e AuditEntry) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_log
		(kind, severity, actor, target, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Kind, e.Severity, e.Actor, e.Target, e.Detail, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAudit. Zero values mean "all".
type AuditFilter struct {
	Kind  string
	Limit int
}

// ListAudit returns entries newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	if f.Limit < 1 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}

	query := `SELECT id, kind, severity, actor, target, detail, created_at FROM audit_log`
	args := []any{}
	if f.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Severity, &e.Actor, &e.Target, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
