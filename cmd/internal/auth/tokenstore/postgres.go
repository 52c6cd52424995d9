package tokenstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPGSchema = "arclink"

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ErrInvalidSchema is returned for a schema name that is not a safe identifier.
var ErrInvalidSchema = errors.New("invalid postgres schema name")

// PostgresStore persists the pair in PostgreSQL ({schema}.token_kv).
//
// Ownership: the caller owns the pool; Close is not provided here.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	profile string
}

// NewPostgresStore creates a Postgres-backed store. Schema defaults to "arclink",
// profile to "default".
func NewPostgresStore(pool *pgxpool.Pool, schema, profile string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("tokenstore: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = defaultPGSchema
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, ErrInvalidSchema
	}
	if strings.TrimSpace(profile) == "" {
		profile = "default"
	}
	return &PostgresStore{pool: pool, schema: schema, profile: profile}, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "token_kv"}.Sanitize()
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table()+` (
			profile    text        NOT NULL,
			key        text        NOT NULL,
			value      text        NOT NULL,
			updated_at timestamptz NOT NULL,
			PRIMARY KEY (profile, key)
		)
	`)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (Pair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value
		FROM `+s.table()+`
		WHERE profile = $1 AND key = ANY($2)
	`, s.profile, []string{KeyAccessToken, KeyRefreshToken})
	if err != nil {
		return Pair{}, err
	}
	defer rows.Close()

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

// Save upserts both keys inside one transaction so readers never see a mixed pair.
func (s *PostgresStore) Save(ctx context.Context, p Pair) error {
	if err := p.validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, kv := range [][2]string{
		{KeyAccessToken, p.AccessToken},
		{KeyRefreshToken, p.RefreshToken},
	} {
		batch.Queue(`
			INSERT INTO `+s.table()+` (profile, key, value, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (profile, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`, s.profile, kv[0], kv[1], now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM `+s.table()+`
		WHERE profile = $1 AND key = ANY($2)
	`, s.profile, []string{KeyAccessToken, KeyRefreshToken})
	return err
}

var _ Store = (*PostgresStore)(nil)
