package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Client is a registered sender. The ID doubles as the certificate common
// name; a client with Active=false has had its certificate revoked and is
// refused at the ingress edge.
type Client struct {
	ID         string
	Name       string
	Domain     string
	Active     bool
	CertSerial string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateClient registers a sender. Fails with ErrConflict if the id is taken.
func (s *Store) CreateClient(ctx context.Context, c Client) (Client, error) {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Domain == "" {
		c.Domain = "default"
	}
	if c.Name == "" {
		c.Name = c.ID
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO clients
			(client_id, name, domain, active, cert_serial, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Domain, c.Active, nullString(c.CertSerial), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("client %s: %w", c.ID, ErrConflict)
			}
			return fmt.Errorf("insert client: %w", err)
		}
		return nil
	})
	if err != nil {
		return Client{}, err
	}
	return c, nil
}

// Client returns one sender by id.
func (s *Store) Client(ctx context.Context, id string) (Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT client_id, name, domain, active, cert_serial,
		created_at, updated_at FROM clients WHERE client_id = ?`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListClients returns all senders ordered by id.
func (s *Store) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, name, domain, active, cert_serial,
		created_at, updated_at FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetClientActive flips a sender's active flag, recording the serial of the
// certificate that caused the change when one is supplied.
func (s *Store) SetClientActive(ctx context.Context, id string, active bool, certSerial string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if certSerial != "" {
			res, err = tx.ExecContext(ctx, `UPDATE clients SET active = ?, cert_serial = ?, updated_at = ?
				WHERE client_id = ?`, active, certSerial, time.Now().UTC(), id)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE clients SET active = ?, updated_at = ?
				WHERE client_id = ?`, active, time.Now().UTC(), id)
		}
		if err != nil {
			return fmt.Errorf("update client: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func scanClient(row rowScanner) (Client, error) {
	var (
		c      Client
		serial sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &c.Domain, &c.Active, &serial, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Client{}, err
	}
	c.CertSerial = serial.String
	return c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
