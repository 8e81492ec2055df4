// Package pgstore is a PostgreSQL-backed xrelay.DedupStore, the inbox table
// of a transactional-outbox setup.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trickstertwo/xrelay"
)

const DefaultTable = "xrelay_dedup"

// DB is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db    DB
	table string
	now   func() time.Time
}

var _ xrelay.DedupStore = (*Store)(nil)

// New wraps db. An empty table means DefaultTable.
func New(db DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
		now:   time.Now,
	}
}

// Connect opens a pool for dsn, creates the table and returns the store
// together with the pool.
func Connect(ctx context.Context, dsn, table string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s := New(pool, table)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate creates the table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			key        TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("pgstore: create table: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM `+s.table+`
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
		)
	`, key, s.now()).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("pgstore: exists: %w", err)
	}
	return found, nil
}

// Set records key. An expired row is revived with the new TTL; a live one
// keeps its own. A ttl <= 0 never expires.
func (s *Store) Set(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now()
	var expires *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expires = &t
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO `+s.table+` (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE `+s.table+`.expires_at IS NOT NULL AND `+s.table+`.expires_at <= $3
	`, key, expires, now)
	if err != nil {
		return fmt.Errorf("pgstore: insert: %w", err)
	}
	return nil
}

// Purge deletes expired rows and reports how many went.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM `+s.table+` WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("pgstore: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
