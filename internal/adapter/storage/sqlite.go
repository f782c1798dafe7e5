package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatmux/internal/domain"
)

// SQLiteStore persists envelopes in a single kv table.
type SQLiteStore struct {
	db     *sql.DB
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath, prefix string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create data dir: %w", domain.ErrStorage, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %w", domain.ErrStorage, err)
	}
	// One writer at a time; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %w", domain.ErrStorage, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrStorage, err)
	}
	return &SQLiteStore{db: db, prefix: prefix, now: time.Now, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", s.prefix+key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: load %q: %w", domain.ErrStorage, key, err)
	}
	return true, unwrap([]byte(raw), key, dst, s.logger)
}

func (s *SQLiteStore) Save(ctx context.Context, key string, value any) error {
	now := s.now()
	raw, err := wrap(value, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.prefix+key, string(raw), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: save %q: %w", domain.ErrStorage, key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", s.prefix+key); err != nil {
		return fmt.Errorf("%w: delete %q: %w", domain.ErrStorage, key, err)
	}
	return nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\\'", likePrefix(s.prefix))
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup scan: %w", domain.ErrStorage, err)
	}
	var stale []string
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: cleanup scan: %w", domain.ErrStorage, err)
		}
		if expired([]byte(raw), cutoff) {
			stale = append(stale, key)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("%w: cleanup scan: %w", domain.ErrStorage, err)
	}
	rows.Close()

	for _, key := range stale {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
			return 0, fmt.Errorf("%w: cleanup delete: %w", domain.ErrStorage, err)
		}
	}
	if len(stale) > 0 {
		s.logger.Info("storage cleanup", "removed", len(stale))
	}
	return len(stale), nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key LIKE ? ESCAPE '\\'", likePrefix(s.prefix)); err != nil {
		return fmt.Errorf("%w: clear: %w", domain.ErrStorage, err)
	}
	return nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
