package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS token_kv (
	profile    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (profile, key)
);`

// SQLiteStore persists the pair in a local SQLite database (pure Go driver).
// Multiple profiles can share one database file.
type SQLiteStore struct {
	db      *sql.DB
	profile string
}

// DefaultSQLitePath returns ~/.arclink/tokens.db.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".arclink", "tokens.db")
	}
	return filepath.Join(home, ".arclink", "tokens.db")
}

// OpenSQLite opens (creating when missing) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path, profile string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultSQLitePath()
	}
	if strings.TrimSpace(profile) == "" {
		profile = "default"
	}

	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+filepath.ToSlash(clean)+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// PRAGMAs are per-connection; keep a single shared connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	initErr := func() error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("set journal_mode=WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
			return fmt.Errorf("set busy_timeout: %w", err)
		}
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	}()
	if initErr != nil {
		_ = db.Close()
		return nil, initErr
	}

	return &SQLiteStore{db: db, profile: profile}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (Pair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM token_kv WHERE profile = ? AND key IN (?, ?)`,
		s.profile, KeyAccessToken, KeyRefreshToken,
	)
	if err != nil {
		return Pair{}, err
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string, 2)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Pair{}, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return Pair{}, err
	}
	return fromValues(values), nil
}

func (s *SQLiteStore) Save(ctx context.Context, p Pair) error {
	if err := p.validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, kv := range [][2]string{
		{KeyAccessToken, p.AccessToken},
		{KeyRefreshToken, p.RefreshToken},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_kv (profile, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (profile, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, s.profile, kv[0], kv[1], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM token_kv WHERE profile = ? AND key IN (?, ?)`,
		s.profile, KeyAccessToken, KeyRefreshToken,
	)
	return err
}

var _ Store = (*SQLiteStore)(nil)
