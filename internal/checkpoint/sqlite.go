package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS watermarks (
    key        TEXT PRIMARY KEY,
    modified   TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS locks (
    key        TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);
`

// SQLiteStore is a single-host backend. Lock expiry is evaluated against
// the local clock, so every instance must share the file and the host.
type SQLiteStore struct {
	db   *sql.DB
	keys Keys
	now  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the state database at path.
func NewSQLiteStore(path, prefix string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state schema: %w", err)
	}
	return &SQLiteStore{db: db, keys: Keys{Prefix: prefix}, now: time.Now}, nil
}

func (s *SQLiteStore) Watermark(ctx context.Context, table string) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT modified FROM watermarks WHERE key = ?`, s.keys.Watermark(table)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark for %s: %w", table, err)
	}
	return ParseWatermark(v)
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, table string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (key, modified, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET modified = excluded.modified, updated_at = excluded.updated_at`,
		s.keys.Watermark(table), FormatWatermark(ts), FormatWatermark(s.now()))
	if err != nil {
		return fmt.Errorf("writing watermark for %s: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) ResetWatermark(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM watermarks WHERE key = ?`, s.keys.Watermark(table)); err != nil {
		return fmt.Errorf("deleting watermark for %s: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) Watermarks(ctx context.Context) (map[string]time.Time, error) {
	prefix := s.keys.Watermark("")
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, modified FROM watermarks WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key, v string
		if err := rows.Scan(&key, &v); err != nil {
			return nil, err
		}
		table, ok := s.keys.TableFromKey(key)
		if !ok {
			continue
		}
		ts, err := ParseWatermark(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[table] = ts
	}
	return out, rows.Err()
}

// TryAcquireLock inserts the lock row, or takes it over when the stored row
// is ours or expired. The upsert's WHERE clause makes the check and the
// write a single statement.
func (s *SQLiteStore) TryAcquireLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.owner = excluded.owner OR locks.expires_at <= ?`,
		s.keys.Lock(), owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) RenewLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE key = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl).UnixMilli(), s.keys.Lock(), owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("renewing lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renewing lock: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND owner = ?`, s.keys.Lock(), owner); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LockHolder(ctx context.Context) (*LockInfo, error) {
	var owner string
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, expires_at FROM locks WHERE key = ? AND expires_at > ?`,
		s.keys.Lock(), s.now().UnixMilli()).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock: %w", err)
	}
	return &LockInfo{Owner: owner, ExpiresAt: time.UnixMilli(expires)}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
