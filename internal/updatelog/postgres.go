package updatelog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS collab_updates (
	doc_key     TEXT        NOT NULL,
	seq         BIGINT      NOT NULL,
	payload     BYTEA       NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (doc_key, seq)
)`

// Postgres keeps the log in a PostgreSQL table. Writers of the same key
// serialize on a transaction-scoped advisory lock, so several servers may
// share one database.
type Postgres struct {
	url  string
	pool *pgxpool.Pool
}

// NewPostgres returns a backend for the database at url.
func NewPostgres(url string) *Postgres {
	return &Postgres{url: url}
}

// Open implements Backend.
func (p *Postgres) Open(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.url)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	p.pool = pool
	return nil
}

// Append implements Backend.
func (p *Postgres) Append(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error) {
	var seq uint64
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		next, err := p.lockNext(ctx, tx, key)
		if err != nil {
			return err
		}
		seq = next
		_, err = tx.Exec(ctx,
			`INSERT INTO collab_updates (doc_key, seq, payload, recorded_at) VALUES ($1, $2, $3, $4)`,
			key, int64(seq), payload, at)
		return err
	})
	return seq, err
}

// Scan implements Backend.
func (p *Postgres) Scan(ctx context.Context, key string, after uint64, fn func(Entry) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, payload, recorded_at FROM collab_updates WHERE doc_key = $1 AND seq > $2 ORDER BY seq`,
		key, int64(after))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq int64
			e   Entry
		)
		if err := rows.Scan(&seq, &e.Payload, &e.RecordedAt); err != nil {
			return err
		}
		e.Key = key
		e.Sequence = uint64(seq)
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Replace implements Backend.
func (p *Postgres) Replace(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error) {
	var seq uint64
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		next, err := p.lockNext(ctx, tx, key)
		if err != nil {
			return err
		}
		seq = next
		if _, err := tx.Exec(ctx, `DELETE FROM collab_updates WHERE doc_key = $1`, key); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO collab_updates (doc_key, seq, payload, recorded_at) VALUES ($1, $2, $3, $4)`,
			key, int64(seq), payload, at)
		return err
	})
	return seq, err
}

// Close implements Backend.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) lockNext(ctx context.Context, tx pgx.Tx, key string) (uint64, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return 0, err
	}
	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM collab_updates WHERE doc_key = $1`, key).Scan(&last); err != nil {
		return 0, err
	}
	return uint64(last) + 1, nil
}
