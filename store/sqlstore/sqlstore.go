// Package sqlstore is a database/sql xrelay.DedupStore for SQLite and other
// engines that accept INSERT .. ON CONFLICT.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xrelay"
)

const DefaultTable = "xrelay_dedup"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Placeholder styles.
const (
	Question = iota // ?, ?, ?
	Dollar          // $1, $2, $3
)

type Store struct {
	db          *sql.DB
	table       string
	placeholder int
	now         func() time.Time
}

var _ xrelay.DedupStore = (*Store)(nil)

type Option func(*Store)

func WithTable(name string) Option { return func(s *Store) { s.table = name } }

func WithPlaceholder(style int) Option { return func(s *Store) { s.placeholder = style } }

// New wraps db and creates the table. Expiry is stored as unix nanoseconds,
// 0 meaning never.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, table: DefaultTable, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if !tableName.MatchString(s.table) {
		return nil, fmt.Errorf("sqlstore: invalid table name %q", s.table)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			key        TEXT PRIMARY KEY,
			expires_at BIGINT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("sqlstore: create table: %w", err)
	}
	return s, nil
}

// bind rewrites ? placeholders for Dollar drivers.
func (s *Store) bind(query string) string {
	if s.placeholder != Dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.bind(`
		SELECT COUNT(1) FROM `+s.table+`
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`), key, s.now().UnixNano()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlstore: exists: %w", err)
	}
	return n > 0, nil
}

// Set records key; a live row keeps its TTL, an expired one is revived.
func (s *Store) Set(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now().UnixNano()
	var expires int64
	if ttl > 0 {
		expires = now + int64(ttl)
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO `+s.table+` (key, expires_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE `+s.table+`.expires_at <> 0 AND `+s.table+`.expires_at <= ?
	`), key, expires, now)
	if err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	return nil
}

// Purge deletes expired rows.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM `+s.table+` WHERE expires_at <> 0 AND expires_at <= ?`), s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge: %w", err)
	}
	return res.RowsAffected()
}
