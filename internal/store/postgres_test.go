package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/secrets"
)

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TENANTGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TENANTGATE_TEST_POSTGRES_DSN not set, skipping")
	}
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	cipher, err := secrets.NewCipherFromSecret(key, secrets.PurposeConnectionStrings)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewPostgresStore(ctx, dsn, cipher)
	if err != nil {
		t.Skipf("Postgres not available, skipping: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func uniqueEmail(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8] + "@example.com"
}

func TestNewPostgresStore_RequiresDSN(t *testing.T) {
	key, _ := secrets.GenerateKey()
	cipher, _ := secrets.NewCipherFromSecret(key, secrets.PurposeConnectionStrings)
	_, err := NewPostgresStore(context.Background(), "", cipher)
	assert.Error(t, err)
}

func TestNewPostgresStore_RequiresCipher(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), "postgres://localhost/x", nil)
	assert.Error(t, err)
}

func TestFindSubuserParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := uniqueEmail("parent")
	sub := uniqueEmail("sub")
	require.NoError(t, s.SaveUser(ctx, parent))
	require.NoError(t, s.SaveSubuser(ctx, sub, parent))

	got, found, err := s.FindSubuserParent(ctx, sub)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.NormalizeEmail(parent), got)

	_, found, err = s.FindSubuserParent(ctx, uniqueEmail("ghost"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTenantDatabaseConfigLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := uniqueEmail("owner")

	cfg, err := s.GetActiveTenantDatabaseConfig(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, s.SaveTenantDatabaseConfig(ctx, &domain.TenantDatabaseConfig{
		OwnerEmail:       owner,
		ConnectionString: "postgres://tenant:pw@db/erasure",
		DatabaseType:     domain.DatabasePostgreSQL,
		IsActive:         true,
	}))

	cfg, err = s.GetActiveTenantDatabaseConfig(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "postgres://tenant:pw@db/erasure", cfg.ConnectionString)
	assert.Equal(t, domain.TestStatusPending, cfg.TestStatus)

	owners, err := s.ListPrivateCloudOwners(ctx)
	require.NoError(t, err)
	assert.Contains(t, owners, domain.NormalizeEmail(owner))

	testedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.RecordConnectionTest(ctx, owner, domain.TestStatusSuccess, testedAt))
	cfg, err = s.GetTenantDatabaseConfig(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.TestStatusSuccess, cfg.TestStatus)
	require.NotNil(t, cfg.LastTestedAt)

	require.NoError(t, s.DeactivateTenantDatabaseConfig(ctx, owner))
	cfg, err = s.GetActiveTenantDatabaseConfig(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	owners, err = s.ListPrivateCloudOwners(ctx)
	require.NoError(t, err)
	assert.NotContains(t, owners, domain.NormalizeEmail(owner))

	assert.ErrorIs(t, s.DeactivateTenantDatabaseConfig(ctx, uniqueEmail("ghost")), ErrNotFound)
}

func TestSaveTenantDatabaseConfig_InvalidType(t *testing.T) {
	s := &PostgresStore{}
	err := s.SaveTenantDatabaseConfig(context.Background(), &domain.TenantDatabaseConfig{
		OwnerEmail:   "a@b.c",
		DatabaseType: "oracle",
	})
	assert.Error(t, err)
}
