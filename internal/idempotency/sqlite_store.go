package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	response BLOB NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps reservations from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec              Record
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT status_code, response, fingerprint, created_at, expires_at
FROM idempotency_records
WHERE key = ?
`, key).Scan(&rec.StatusCode, &rec.Response, &rec.Fingerprint, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpiresAt = time.UnixMilli(expires)

	if rec.expired(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ?`, key)
		return nil, nil
	}
	return &rec, nil
}

// Reserve inserts record, or takes over an expired row, in one statement.
func (s *SQLiteStore) Reserve(ctx context.Context, key string, record Record) (*Record, error) {
	if record.Response == nil {
		record.Response = []byte{}
	}
	for i := 0; i < 2; i++ {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, status_code, response, fingerprint, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE
SET status_code = excluded.status_code,
    response = excluded.response,
    fingerprint = excluded.fingerprint,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
WHERE idempotency_records.expires_at <= ?
`, key, record.StatusCode, record.Response, record.Fingerprint,
			record.CreatedAt.UnixMilli(), record.ExpiresAt.UnixMilli(), time.Now().UnixMilli())
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			return nil, nil
		}
		existing, err := s.Get(ctx, key)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, fmt.Errorf("reserve %s: key contended", key)
}

func (s *SQLiteStore) Save(ctx context.Context, key string, record Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, status_code, response, fingerprint, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE
SET status_code = excluded.status_code,
    response = excluded.response,
    fingerprint = excluded.fingerprint,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
`, key, record.StatusCode, record.Response, record.Fingerprint, record.CreatedAt.UnixMilli(), record.ExpiresAt.UnixMilli())
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ?`, key)
	return err
}

// Purge deletes expired rows and reports how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
