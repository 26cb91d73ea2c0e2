// Package fileid gives files a stable identity that survives renames.
package fileid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrUnknownID is returned when no path is indexed under an id.
var ErrUnknownID = errors.New("fileid: unknown id")

// Resolver maps paths to ids and back.
type Resolver interface {
	// Index returns the id of path, assigning one on first sight.
	Index(ctx context.Context, path string) (string, error)
	// Path returns the current path of id.
	Path(ctx context.Context, id string) (string, error)
	// Move records that the file at from now lives at to.
	Move(ctx context.Context, from, to string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id   TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE
);`

// Index is a SQLite-backed Resolver.
type Index struct {
	db *sql.DB
}

var _ Resolver = (*Index)(nil)

// Open opens or creates the index database at path.
func Open(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (x *Index) Close() error { return x.db.Close() }

// Index implements Resolver.
func (x *Index) Index(ctx context.Context, path string) (string, error) {
	var id string
	err := x.db.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, path).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = uuid.NewString()
	if _, err := x.db.ExecContext(ctx,
		`INSERT INTO files (id, path) VALUES (?, ?) ON CONFLICT(path) DO NOTHING`, id, path); err != nil {
		return "", err
	}
	// Another caller may have won the insert.
	if err := x.db.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, path).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// Path implements Resolver.
func (x *Index) Path(ctx context.Context, id string) (string, error) {
	var path string
	err := x.db.QueryRowContext(ctx, `SELECT path FROM files WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	return path, err
}

// Move implements Resolver.
func (x *Index) Move(ctx context.Context, from, to string) error {
	res, err := x.db.ExecContext(ctx, `UPDATE files SET path = ? WHERE path = ?`, to, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = x.Index(ctx, to)
	}
	return err
}
