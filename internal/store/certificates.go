package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/herald-mq/herald/internal/ca"
)

// The certificate registry backs the CA (ca.Registry) and the revocation
// source used by TLS peer verification (trust.Source).

// SaveCertificate records a newly issued certificate.
func (s *Store) SaveCertificate(ctx context.Context, rec ca.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertCertificate(ctx, tx, rec)
	})
}

// CertificateBySerial looks up one certificate. The bool reports existence.
func (s *Store) CertificateBySerial(ctx context.Context, serial string) (ca.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE serial = ?`, serial)
	rec, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ca.Record{}, false, nil
	}
	if err != nil {
		return ca.Record{}, false, err
	}
	return rec, true, nil
}

// ActiveCertificateByCN returns the newest unrevoked, unexpired certificate
// for a common name, if any. The CA uses this to enforce CN uniqueness.
func (s *Store) ActiveCertificateByCN(ctx context.Context, cn string) (ca.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates
		WHERE common_name = ? AND revoked = 0 AND not_after > ?
		ORDER BY created_at DESC LIMIT 1`, cn, time.Now().UTC())
	rec, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ca.Record{}, false, nil
	}
	if err != nil {
		return ca.Record{}, false, err
	}
	return rec, true, nil
}

// MarkCertificateRevoked flags a serial as revoked.
func (s *Store) MarkCertificateRevoked(ctx context.Context, serial, reason string, revokedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return markRevoked(ctx, tx, serial, reason, revokedAt)
	})
}

// ReplaceCertificate revokes oldSerial and records next in one transaction,
// so a renewal can never leave a CN with zero or two active certificates.
func (s *Store) ReplaceCertificate(ctx context.Context, oldSerial, reason string, revokedAt time.Time, next ca.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := markRevoked(ctx, tx, oldSerial, reason, revokedAt); err != nil {
			return err
		}
		return insertCertificate(ctx, tx, next)
	})
}

// ListCertificates returns every certificate, newest first.
func (s *Store) ListCertificates(ctx context.Context) ([]ca.Record, error) {
	return s.queryCertificates(ctx, `SELECT `+certColumns+` FROM certificates ORDER BY created_at DESC`)
}

// RevokedCertificates returns all revoked certificates for CRL generation.
func (s *Store) RevokedCertificates(ctx context.Context) ([]ca.Record, error) {
	return s.queryCertificates(ctx, `SELECT `+certColumns+` FROM certificates WHERE revoked = 1 ORDER BY serial`)
}

// ExpiringCertificates returns unrevoked certificates whose not_after falls
// within the window, soonest first. Feeds the daily expiry scan.
func (s *Store) ExpiringCertificates(ctx context.Context, within time.Duration) ([]ca.Record, error) {
	now := time.Now().UTC()
	return s.queryCertificates(ctx, `SELECT `+certColumns+` FROM certificates
		WHERE revoked = 0 AND not_after > ? AND not_after <= ? ORDER BY not_after`,
		now, now.Add(within))
}

// RevokedSerials returns the current revocation set. This is the database
// half of revocation distribution; file-based verifiers read the CRL instead.
func (s *Store) RevokedSerials(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial FROM certificates WHERE revoked = 1`)
	if err != nil {
		return nil, fmt.Errorf("select revoked serials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		out[serial] = true
	}
	return out, rows.Err()
}

const certColumns = `serial, common_name, kind, fingerprint, not_before, not_after,
	revoked, revoked_at, revoke_reason, created_at`

func insertCertificate(ctx context.Context, tx *sql.Tx, rec ca.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var revokedAt sql.NullTime
	if !rec.RevokedAt.IsZero() {
		revokedAt = sql.NullTime{Time: rec.RevokedAt.UTC(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO certificates
		(serial, common_name, kind, fingerprint, not_before, not_after,
		 revoked, revoked_at, revoke_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Serial, rec.CommonName, rec.Kind, rec.Fingerprint,
		rec.NotBefore.UTC(), rec.NotAfter.UTC(),
		rec.Revoked, revokedAt, nullString(rec.Reason), rec.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("certificate serial %s: %w", rec.Serial, ErrConflict)
		}
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

func markRevoked(ctx context.Context, tx *sql.Tx, serial, reason string, revokedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE certificates
		SET revoked = 1, revoked_at = ?, revoke_reason = ? WHERE serial = ?`,
		revokedAt.UTC(), reason, serial)
	if err != nil {
		return fmt.Errorf("mark revoked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("certificate serial %s: %w", serial, ErrNotFound)
	}
	return nil
}

func (s *Store) queryCertificates(ctx context.Context, query string, args ...any) ([]ca.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select certificates: %w", err)
	}
	defer rows.Close()

	var out []ca.Record
	for rows.Next() {
		rec, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCertificate(row rowScanner) (ca.Record, error) {
	var (
		rec       ca.Record
		revokedAt sql.NullTime
		reason    sql.NullString
	)
	err := row.Scan(&rec.Serial, &rec.CommonName, &rec.Kind, &rec.Fingerprint,
		&rec.NotBefore, &rec.NotAfter, &rec.Revoked, &revokedAt, &reason, &rec.CreatedAt)
	if err != nil {
		return ca.Record{}, err
	}
	if revokedAt.Valid {
		rec.RevokedAt = revokedAt.Time
	}
	rec.Reason = reason.String
	return rec, nil
}
