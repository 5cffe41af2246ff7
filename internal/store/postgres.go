// Package store is the main (shared) relational store: accounts, subusers and
// the private-cloud database configurations of each account.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/tenantgate/internal/secrets"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	pool   *pgxpool.Pool
	cipher *secrets.Cipher
}

// NewPostgresStore connects to the main database. The cipher encrypts tenant
// connection strings at rest.
func NewPostgresStore(ctx context.Context, dsn string, cipher *secrets.Cipher) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("connection string cipher is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool, cipher: cipher}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_email TEXT PRIMARY KEY,
			is_private_cloud BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_private_cloud ON users(is_private_cloud) WHERE is_private_cloud`,
		`CREATE TABLE IF NOT EXISTS subuser (
			subuser_email TEXT PRIMARY KEY,
			user_email TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subuser_parent ON subuser(user_email)`,
		`CREATE TABLE IF NOT EXISTS tenant_database_configs (
			owner_email TEXT PRIMARY KEY,
			connection_string TEXT NOT NULL,
			database_type TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_tested_at TIMESTAMPTZ,
			test_status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
