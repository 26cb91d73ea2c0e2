package updatelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS updates (
	doc_key     TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	payload     BLOB    NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (doc_key, seq)
);`

// SQLite keeps the log in a single SQLite database file.
type SQLite struct {
	path string
	db   *sql.DB
}

// NewSQLite returns a backend for the database at path. ":memory:" keeps
// the log in memory.
func NewSQLite(path string) *SQLite {
	return &SQLite{path: path}
}

// Open implements Backend.
func (s *SQLite) Open(ctx context.Context) error {
	dsn := "file:" + s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writers from tripping over SQLite's file lock
	// and makes ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.db = db
	return nil
}

// Append implements Backend.
func (s *SQLite) Append(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seq, err := s.nextSeq(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO updates (doc_key, seq, payload, recorded_at) VALUES (?, ?, ?, ?)`,
		key, seq, payload, at.UnixNano()); err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// Scan implements Backend.
func (s *SQLite) Scan(ctx context.Context, key string, after uint64, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload, recorded_at FROM updates WHERE doc_key = ? AND seq > ? ORDER BY seq`,
		key, after)
	if err != nil {
		return err
	}
	defer rows.Close()

	// Collect first: fn may take a while and SQLite has a single connection.
	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ns int64
		)
		if err := rows.Scan(&e.Sequence, &e.Payload, &ns); err != nil {
			return err
		}
		e.Key = key
		e.RecordedAt = time.Unix(0, ns).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Replace implements Backend.
func (s *SQLite) Replace(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seq, err := s.nextSeq(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE doc_key = ?`, key); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO updates (doc_key, seq, payload, recorded_at) VALUES (?, ?, ?, ?)`,
		key, seq, payload, at.UnixNano()); err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// Close implements Backend.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) nextSeq(ctx context.Context, tx *sql.Tx, key string) (uint64, error) {
	var last uint64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM updates WHERE doc_key = ?`, key).Scan(&last)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}
