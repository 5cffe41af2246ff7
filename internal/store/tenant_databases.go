package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/tenantgate/internal/domain"
)

const tenantDatabaseColumns = `owner_email, connection_string, database_type, is_active, last_tested_at, test_status, created_at, updated_at`

// GetTenantDatabaseConfig returns the config of owner regardless of state.
func (s *PostgresStore) GetTenantDatabaseConfig(ctx context.Context, owner string) (*domain.TenantDatabaseConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tenantDatabaseColumns+` FROM tenant_database_configs WHERE owner_email = $1
	`, domain.NormalizeEmail(owner))
	cfg, err := s.scanTenantDatabaseConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant database config: %w", err)
	}
	return cfg, nil
}

// GetActiveTenantDatabaseConfig returns the active config of owner, or nil
// when the owner is served by the main database.
func (s *PostgresStore) GetActiveTenantDatabaseConfig(ctx context.Context, owner string) (*domain.TenantDatabaseConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tenantDatabaseColumns+` FROM tenant_database_configs
		WHERE owner_email = $1 AND is_active
	`, domain.NormalizeEmail(owner))
	cfg, err := s.scanTenantDatabaseConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active tenant database config: %w", err)
	}
	return cfg, nil
}

// SaveTenantDatabaseConfig creates or replaces the private-cloud config of an
// account and flags the account as private cloud. A replaced connection
// string resets the test status to pending.
func (s *PostgresStore) SaveTenantDatabaseConfig(ctx context.Context, cfg *domain.TenantDatabaseConfig) error {
	if !domain.IsValidDatabaseType(cfg.DatabaseType) {
		return fmt.Errorf("invalid database type: %q", cfg.DatabaseType)
	}
	enc, err := s.cipher.EncryptString(cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("encrypt connection string: %w", err)
	}
	owner := domain.NormalizeEmail(cfg.OwnerEmail)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO tenant_database_configs (owner_email, connection_string, database_type, is_active, test_status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (owner_email) DO UPDATE SET
			connection_string = EXCLUDED.connection_string,
			database_type = EXCLUDED.database_type,
			is_active = EXCLUDED.is_active,
			test_status = 'pending',
			last_tested_at = NULL,
			updated_at = NOW()
	`, owner, enc, string(cfg.DatabaseType), cfg.IsActive); err != nil {
		return fmt.Errorf("save tenant database config: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (user_email, is_private_cloud) VALUES ($1, $2)
		ON CONFLICT (user_email) DO UPDATE SET is_private_cloud = EXCLUDED.is_private_cloud
	`, owner, cfg.IsActive); err != nil {
		return fmt.Errorf("flag private cloud account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeactivateTenantDatabaseConfig soft-deactivates the config of owner and
// returns the account to the main database.
func (s *PostgresStore) DeactivateTenantDatabaseConfig(ctx context.Context, owner string) error {
	owner = domain.NormalizeEmail(owner)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE tenant_database_configs SET is_active = FALSE, updated_at = NOW()
		WHERE owner_email = $1
	`, owner)
	if err != nil {
		return fmt.Errorf("deactivate tenant database config: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET is_private_cloud = FALSE WHERE user_email = $1`, owner); err != nil {
		return fmt.Errorf("unflag private cloud account: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordConnectionTest stores the outcome of a connection test.
func (s *PostgresStore) RecordConnectionTest(ctx context.Context, owner string, status domain.TestStatus, testedAt time.Time) error {
	if !domain.IsValidTestStatus(status) {
		return fmt.Errorf("invalid test status: %q", status)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE tenant_database_configs SET test_status = $2, last_tested_at = $3, updated_at = NOW()
		WHERE owner_email = $1
	`, domain.NormalizeEmail(owner), string(status), testedAt)
	if err != nil {
		return fmt.Errorf("record connection test: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanTenantDatabaseConfig(row pgx.Row) (*domain.TenantDatabaseConfig, error) {
	var (
		cfg        domain.TenantDatabaseConfig
		enc        string
		dbType     string
		testStatus string
	)
	if err := row.Scan(&cfg.OwnerEmail, &enc, &dbType, &cfg.IsActive, &cfg.LastTestedAt, &testStatus, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	dsn, err := s.cipher.DecryptString(enc)
	if err != nil {
		return nil, fmt.Errorf("decrypt connection string for %s: %w", cfg.OwnerEmail, err)
	}
	cfg.ConnectionString = dsn
	cfg.DatabaseType = domain.DatabaseType(dbType)
	cfg.TestStatus = domain.TestStatus(testStatus)
	return &cfg, nil
}
