package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LibsqlDriver is the database/sql driver name OpenSQL uses. The binary
// registers it by importing github.com/tursodatabase/go-libsql.
const LibsqlDriver = "libsql"

// SQLOptions locate a libsql database. URL (a libsql:// server) wins over
// Path (a local file or ":memory:").
type SQLOptions struct {
	URL       string
	AuthToken string
	Path      string
}

// SQLStore keeps one row per bucket in a libsql table, so several hosts can
// share a ledger through a libsql server.
type SQLStore struct {
	db *sql.DB
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_buckets (
		provider     TEXT NOT NULL,
		route        TEXT NOT NULL,
		limit_value  INTEGER NOT NULL DEFAULT 0,
		remaining    INTEGER NOT NULL DEFAULT 0,
		reset_at     INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		PRIMARY KEY (provider, route)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_buckets_reset ON ledger_buckets(reset_at)`,
}

// OpenSQL connects and creates the bucket table when missing.
func OpenSQL(ctx context.Context, opts SQLOptions) (*SQLStore, error) {
	dsn, err := opts.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(LibsqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql ledger: %w", err)
	}
	if dsn == ":memory:" {
		// each pooled connection would see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql ledger: %w", err)
	}
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create sql ledger schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load reads every bucket row.
func (s *SQLStore) Load(ctx context.Context) (Ledger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, route, limit_value, remaining, reset_at, window_start
		FROM ledger_buckets`)
	if err != nil {
		return nil, fmt.Errorf("load sql ledger: %w", err)
	}
	defer rows.Close() // nolint:errcheck

	l := New()
	for rows.Next() {
		var (
			key                  BucketKey
			entry                Entry
			resetAt, windowStart int64
		)
		if err := rows.Scan(&key.Provider, &key.Route, &entry.Limit, &entry.Remaining, &resetAt, &windowStart); err != nil {
			return nil, fmt.Errorf("scan ledger bucket: %w", err)
		}
		entry.ResetAt = time.UnixMilli(resetAt).UTC()
		entry.WindowStart = time.UnixMilli(windowStart).UTC()
		l.Set(key, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sql ledger: %w", err)
	}
	return l, nil
}

// Save replaces all rows with l in one transaction.
func (s *SQLStore) Save(ctx context.Context, l Ledger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sql ledger save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_buckets`); err != nil {
		return fmt.Errorf("clear sql ledger: %w", err)
	}
	for _, key := range l.Keys() {
		entry := l[key]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_buckets (provider, route, limit_value, remaining, reset_at, window_start)
			VALUES (?, ?, ?, ?, ?, ?)`,
			key.Provider, key.Route, entry.Limit, entry.Remaining,
			entry.ResetAt.UTC().UnixMilli(), entry.WindowStart.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("write ledger bucket %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sql ledger: %w", err)
	}
	return nil
}

func (o SQLOptions) dsn() (string, error) {
	if raw := strings.TrimSpace(o.URL); raw != "" {
		return withAuthToken(raw, o.AuthToken)
	}

	path := strings.TrimSpace(o.Path)
	switch {
	case path == "":
		return "", errors.New("sql ledger needs a url or a path")
	case path == ":memory:", strings.HasPrefix(path, "libsql:"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		u, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("invalid sql ledger path: %w", err)
		}
		local := u.Path
		if local == "" {
			local = u.Opaque
		}
		if err := makeParent(strings.TrimPrefix(local, "//")); err != nil {
			return "", err
		}
		return path, nil
	default:
		if err := makeParent(path); err != nil {
			return "", err
		}
		return "file:" + filepath.Clean(path), nil
	}
}

func withAuthToken(raw, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid sql ledger url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") == "" {
		q.Set("authToken", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func makeParent(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- shared state directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	return nil
}
