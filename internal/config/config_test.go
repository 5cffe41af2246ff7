package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigLimits(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500, cfg.RateLimiting.PrivateCloudLimit)
	assert.Equal(t, 100, cfg.RateLimiting.NormalUserLimit)
	assert.Equal(t, 50, cfg.RateLimiting.UnauthenticatedLimit)
	assert.Equal(t, 5, cfg.RateLimiting.ForgotPasswordHourlyLimit)
	assert.Equal(t, time.Minute, cfg.RateLimiting.Window)
	assert.Equal(t, time.Hour, cfg.RateLimiting.ForgotPasswordWindow)
	assert.True(t, cfg.Encryption.Enabled)
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenantgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
RateLimiting:
  NormalUserLimit: 250
  CleanupInterval: 10m
Encryption:
  Key: file-key
  ResponseKey: response-key
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.RateLimiting.NormalUserLimit)
	assert.Equal(t, 500, cfg.RateLimiting.PrivateCloudLimit)
	assert.Equal(t, 10*time.Minute, cfg.RateLimiting.CleanupInterval)
	assert.Equal(t, "response-key", cfg.Encryption.ResponseSecret())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("RateLimiting__PrivateCloudLimit", "900")
	t.Setenv("Encryption__Enabled", "false")
	t.Setenv("Encryption__Key", "env-key")
	t.Setenv("Tenancy__SubuserMemoTTL", "30s")
	t.Setenv("Tenancy__ConfigCacheTTL", "0s")

	cfg := DefaultConfig()
	require.Equal(t, 5*time.Second, cfg.Tenancy.ConfigCacheTTL)
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, 900, cfg.RateLimiting.PrivateCloudLimit)
	assert.False(t, cfg.Encryption.Enabled)
	assert.Equal(t, "env-key", cfg.Encryption.ResponseSecret())
	assert.Equal(t, 30*time.Second, cfg.Tenancy.SubuserMemoTTL)
	assert.Zero(t, cfg.Tenancy.ConfigCacheTTL)
}

func TestLoadFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("RateLimiting__NormalUserLimit", "lots")
	err := LoadFromEnv(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RateLimiting__NormalUserLimit")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())

	cfg.Database.MainDSN = "postgres://localhost/main"
	cfg.Encryption.Key = "k"
	assert.NoError(t, cfg.Validate())

	cfg.RateLimiting.Backend = "redis"
	assert.Error(t, cfg.Validate())
	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg.Tenancy.SharedCache = true
	assert.NoError(t, cfg.Validate())
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
	cfg.Redis.Addr = "localhost:6379"

	cfg.RateLimiting.NormalUserLimit = 0
	assert.Error(t, cfg.Validate())
}
