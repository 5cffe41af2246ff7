package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/tenantgate/internal/domain"
)

// FindSubuserParent returns the parent account of a subuser registered in the
// main database. found is false when the subuser is unknown here.
func (s *PostgresStore) FindSubuserParent(ctx context.Context, subuserEmail string) (string, bool, error) {
	var parent string
	err := s.pool.QueryRow(ctx, `
		SELECT user_email FROM subuser WHERE subuser_email = $1
	`, domain.NormalizeEmail(subuserEmail)).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find subuser parent: %w", err)
	}
	return domain.NormalizeEmail(parent), true, nil
}

// ListPrivateCloudOwners returns every account flagged is_private_cloud in
// storage order.
func (s *PostgresStore) ListPrivateCloudOwners(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_email FROM users WHERE is_private_cloud`)
	if err != nil {
		return nil, fmt.Errorf("list private cloud owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan private cloud owner: %w", err)
		}
		owners = append(owners, domain.NormalizeEmail(email))
	}
	return owners, rows.Err()
}

// SaveUser creates an account row if it does not exist yet.
func (s *PostgresStore) SaveUser(ctx context.Context, email string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_email) VALUES ($1)
		ON CONFLICT (user_email) DO NOTHING
	`, domain.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// SaveSubuser registers subuserEmail under parentEmail in the main database.
func (s *PostgresStore) SaveSubuser(ctx context.Context, subuserEmail, parentEmail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subuser (subuser_email, user_email) VALUES ($1, $2)
		ON CONFLICT (subuser_email) DO UPDATE SET user_email = EXCLUDED.user_email
	`, domain.NormalizeEmail(subuserEmail), domain.NormalizeEmail(parentEmail))
	if err != nil {
		return fmt.Errorf("save subuser: %w", err)
	}
	return nil
}
