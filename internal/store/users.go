package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/herald-mq/herald/internal/auth"
)

// CreateUser inserts an operator account. A missing ID is assigned; the
// email is stored lower-cased and must be unique.
func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = auth.NormalizeEmail(u.Email)
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users
			(id, email, password_hash, role, client_id, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.Email, u.PasswordHash, u.Role, nullString(u.ClientID), u.Active,
			u.CreatedAt, u.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
			}
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// UserByID returns one account.
func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	return s.userWhere(ctx, "id = ?", id)
}

// UserByEmail returns one account by lower-cased email.
func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.userWhere(ctx, "email = ?", auth.NormalizeEmail(email))
}

// ListUsers returns all accounts ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUser removes an account and, via cascade, its reset tokens.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.userUpdate(ctx, id, `DELETE FROM users WHERE id = ?`, id)
}

// UpdateUserStatus enables or disables an account.
func (s *Store) UpdateUserStatus(ctx context.Context, id string, active bool) error {
	return s.userUpdate(ctx, id, `UPDATE users SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
}

// UpdateUserPassword replaces the stored password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	return s.userUpdate(ctx, id, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, time.Now().UTC(), id)
}

// SetLastLogin stamps a successful login.
func (s *Store) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.userUpdate(ctx, id, `UPDATE users SET last_login_at = ? WHERE id = ?`, at.UTC(), id)
}

// --- password reset tokens ---

// CreateResetToken stores a hashed single-use reset token.
func (s *Store) CreateResetToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO password_resets
		(token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		tokenHash, userID, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}
	return nil
}

// ConsumeResetToken redeems a token exactly once. Unknown, expired, and
// already-used tokens all fail the same way.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			expiresAt time.Time
			used      bool
		)
		err := tx.QueryRowContext(ctx, `SELECT user_id, expires_at, used
			FROM password_resets WHERE token_hash = ?`, tokenHash).
			Scan(&userID, &expiresAt, &used)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reset token: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select reset token: %w", err)
		}
		if used || time.Now().After(expiresAt) {
			return fmt.Errorf("reset token: %w", ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE password_resets SET used = 1
			WHERE token_hash = ?`, tokenHash); err != nil {
			return fmt.Errorf("mark reset token used: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// PurgeResetTokens deletes used and expired tokens.
func (s *Store) PurgeResetTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM password_resets
		WHERE used = 1 OR expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge reset tokens: %w", err)
	}
	return res.RowsAffected()
}

// --- row plumbing ---

const userColumns = `id, email, password_hash, role, client_id, active,
	created_at, updated_at, last_login_at`

func (s *Store) userWhere(ctx context.Context, cond string, args ...any) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+cond, args...)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, fmt.Errorf("user: %w", ErrNotFound)
	}
	return u, err
}

func (s *Store) userUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u         auth.User
		clientID  sql.NullString
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &clientID, &u.Active,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		return auth.User{}, err
	}
	u.ClientID = clientID.String
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}
