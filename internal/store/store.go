// Package store is the broker's store of record: a SQLite database holding
// messages, sender clients, operator users, the certificate registry, the
// audit log, and password-reset tokens. Every write the internal API reports
// as committed has been committed here first; the queue only ever holds
// references into this store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/herald-mq/herald/internal/logging"
)

// Sentinel errors. API edges translate these to status codes; nothing in
// this package knows about HTTP.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store wraps the SQLite handle. Safe for concurrent use; SQLite serializes
// writers and the busy timeout absorbs short write contention.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if necessary) the database at path and applies any
// pending schema migrations. WAL keeps readers unblocked by the writer, and
// foreign keys are enforced.
func Open(path string, log *logging.Logger) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports store reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- schema ---

const schemaVersion = 1

// One statement block per version. Applied inside a transaction together
// with the version bump, so a partially-applied migration never survives.
var migrations = map[int]string{
	1: `
CREATE TABLE users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'user',
	client_id     TEXT,
	active        INTEGER NOT NULL DEFAULT 1,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	last_login_at TIMESTAMP
);

CREATE TABLE clients (
	client_id   TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	domain      TEXT NOT NULL DEFAULT 'default',
	active      INTEGER NOT NULL DEFAULT 1,
	cert_serial TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE messages (
	message_id         TEXT PRIMARY KEY,
	client_id          TEXT NOT NULL REFERENCES clients(client_id),
	sender_fingerprint TEXT NOT NULL,
	sender_masked      TEXT NOT NULL,
	body_ciphertext    BLOB NOT NULL,
	encryption_key_id  INTEGER NOT NULL DEFAULT 1,
	status             TEXT NOT NULL DEFAULT 'queued',
	attempts           INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	delivered_at       TIMESTAMP
);
CREATE INDEX idx_messages_status_created ON messages(status, created_at);
CREATE INDEX idx_messages_client_created ON messages(client_id, created_at);
CREATE INDEX idx_messages_fingerprint    ON messages(sender_fingerprint);

CREATE TABLE certificates (
	serial        TEXT PRIMARY KEY,
	common_name   TEXT NOT NULL,
	kind          TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	not_before    TIMESTAMP NOT NULL,
	not_after     TIMESTAMP NOT NULL,
	revoked       INTEGER NOT NULL DEFAULT 0,
	revoked_at    TIMESTAMP,
	revoke_reason TEXT,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX idx_certificates_cn       ON certificates(common_name);
CREATE INDEX idx_certificates_expiry   ON certificates(revoked, not_after);

CREATE TABLE audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	severity   TEXT NOT NULL DEFAULT 'info',
	actor      TEXT NOT NULL DEFAULT '',
	target     TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX idx_audit_kind_created ON audit_log(kind, created_at);

CREATE TABLE password_resets (
	token_hash TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at TIMESTAMP NOT NULL,
	used       INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		ddl, ok := migrations[v]
		if !ok {
			return fmt.Errorf("missing migration for version %d", v)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.Exec(ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`, v, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
		s.log.Info("schema migration applied", "version", v)
	}
	return nil
}

// withTx runs fn in a transaction, committing on nil and rolling back on
// error. SQLite transactions are serializable, which is what gives the
// first-committer-wins behavior the message state machine relies on.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique/primary-key
// constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
