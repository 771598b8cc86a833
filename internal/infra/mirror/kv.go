// Package mirror implements the client-resident Local Mirror Store.
//
// The store keeps its collections in a namespaced key-value table inside a
// single-file SQLite database: one JSON document for goals, derived state
// and each setting, one row per pending entry and per counter session.
// Several processes (a `sync --watch` loop next to `tap` or `count`) may
// share the file; every read-modify-write runs in one IMMEDIATE
// transaction. Reads never fail: a slot that cannot be decoded is logged,
// cleared and read as empty.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Namespaces of the persisted layout.
const (
	nsGoals     = "goals"
	nsPending   = "pending"
	nsSessions  = "sessions"
	nsDerived   = "derived"
	nsSettings  = "settings"
	nsMeta      = "meta"
	nsAnnounced = "announced"

	slotAll        = "all"
	slotPendingSeq = "pending_seq"
)

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// kv is a synchronous namespaced key-value table. The kv handed to an
// update callback runs every statement inside that transaction.
type kv struct {
	db *sql.DB
	q  querier
}

type slot struct {
	namespace, key, value string
}

func openKV(path string) (*kv, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create mirror directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	// One connection per handle: statements of this process are serialized
	// and a read always observes the preceding write.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate mirror: %w", err)
	}
	return &kv{db: db, q: db}, nil
}

// update runs fn inside BEGIN IMMEDIATE, which takes the database write
// lock up front so a concurrent writer in another process waits on
// busy_timeout instead of interleaving with fn's reads.
func (s *kv) update(fn func(tx *kv) error) (err error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if err = fn(&kv{db: s.db, q: conn}); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// get returns the raw value, or ok=false when the slot is empty.
func (s *kv) get(namespace, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(context.Background(),
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *kv) set(namespace, key, value string) error {
	_, err := s.q.ExecContext(context.Background(), `
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(namespace, key) DO UPDATE SET
			value      = excluded.value,
			updated_at = datetime('now')
	`, namespace, key, value)
	return err
}

// insert writes the slot only if it is empty and reports whether it did.
func (s *kv) insert(namespace, key, value string) (bool, error) {
	res, err := s.q.ExecContext(context.Background(), `
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(namespace, key) DO NOTHING
	`, namespace, key, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *kv) del(namespace, key string) error {
	_, err := s.q.ExecContext(context.Background(),
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

// list returns every slot of a namespace ordered by key.
func (s *kv) list(namespace string) ([]slot, error) {
	rows, err := s.q.QueryContext(context.Background(),
		`SELECT key, value FROM kv WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []slot
	for rows.Next() {
		sl := slot{namespace: namespace}
		if err := rows.Scan(&sl.key, &sl.value); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *kv) count(namespace string) (int, error) {
	var n int
	err := s.q.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM kv WHERE namespace = ?`, namespace).Scan(&n)
	return n, err
}

func (s *kv) close() error {
	return s.db.Close()
}
