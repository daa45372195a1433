// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: A single database file is the shared coordination point for all replicas.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database. Conditional writes are
// single statements whose affected-row count decides the outcome, which gives
// the row-level optimistic locking the coordination contract needs.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewSQLite opens (or creates) the coordination database at the given path.
// The schema is created if it doesn't exist. Parent directories are created
// if needed.
func NewSQLite(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Wait for locks instead of failing when replicas contend
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// A single connection serializes pop transactions without lock upgrades.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	go s.janitor()

	logger.Info("SQLite coordination store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS scored (
			set_name TEXT NOT NULL,
			member   TEXT NOT NULL,
			score    INTEGER NOT NULL,
			seq      INTEGER NOT NULL,
			PRIMARY KEY (set_name, member)
		);

		CREATE INDEX IF NOT EXISTS idx_scored_rank
			ON scored(set_name, score DESC, seq ASC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowNanos(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, deadlineNanos(ttl),
	)
	if err != nil {
		return fmt.Errorf("setting key with ttl: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Acquire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// The upsert only overwrites a row that has already expired, so a live
	// holder always wins.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?`,
		key, value, deadlineNanos(ttl), nowNanos(),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring key: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expect, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kv SET value = ?, expires_at = ?
		WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		value, deadlineNanos(ttl), key, expect, nowNanos(),
	)
	if err != nil {
		return false, fmt.Errorf("swapping key: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv
		WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, expect, nowNanos(),
	)
	if err != nil {
		return false, fmt.Errorf("conditionally deleting key: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kv SET expires_at = ?
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		deadlineNanos(ttl), key, nowNanos(),
	)
	if err != nil {
		return false, fmt.Errorf("touching key: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv
		WHERE substr(key, 1, length(?)) = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key`,
		prefix, prefix, nowNanos(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ScoredInsert(ctx context.Context, set, member string, score int, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scored (set_name, member, score, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(set_name, member) DO UPDATE SET score = excluded.score, seq = excluded.seq`,
		set, member, score, seq,
	)
	if err != nil {
		return fmt.Errorf("inserting scored member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ScoredPopMax(ctx context.Context, set string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning pop transaction: %w", err)
	}
	defer tx.Rollback()

	var member string
	err = tx.QueryRowContext(ctx, `
		SELECT member FROM scored
		WHERE set_name = ?
		ORDER BY score DESC, seq ASC, member ASC
		LIMIT 1`,
		set,
	).Scan(&member)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("selecting max member: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scored WHERE set_name = ? AND member = ?`, set, member,
	); err != nil {
		return "", fmt.Errorf("removing popped member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing pop: %w", err)
	}
	return member, nil
}

func (s *SQLiteStore) ScoredRemove(ctx context.Context, set, member string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scored WHERE set_name = ? AND member = ?`, set, member,
	)
	if err != nil {
		return fmt.Errorf("removing scored member: %w", err)
	}
	return nil
}

// Close stops the janitor and closes the database. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
	s.mu.Unlock()
	return s.db.Close()
}

// janitor periodically purges expired rows so abandoned keys don't pile up.
// Expiry is already enforced at read time; this is housekeeping only.
func (s *SQLiteStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.db.Exec(
				`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
				nowNanos(),
			)
			if err != nil {
				s.logger.Warn("expired-key purge failed", "error", err)
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				s.logger.Debug("purged expired keys", "count", n)
			}
		case <-s.done:
			return
		}
	}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

func nowNanos() int64 {
	return time.Now().UnixNano()
}

// deadlineNanos converts a ttl to an absolute expiry, or nil for no expiry.
func deadlineNanos(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixNano()
}
