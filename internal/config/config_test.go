package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, EngineSQLite, cfg.Storage.Engine)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.True(t, cfg.Limits.BreakerEnabled)
	assert.Equal(t, 3, cfg.Limits.BreakerMaxFailures)
	assert.Zero(t, cfg.Limits.RateLimitPerSec)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  engine: postgres
  postgres_dsn: postgres://localhost/sessiond?sslmode=disable
limits:
  rate_limit_per_sec: 25.5
  rate_limit_burst: 10
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, EnginePostgres, cfg.Storage.Engine)
	assert.Equal(t, "postgres://localhost/sessiond?sslmode=disable", cfg.Storage.PostgresDSN)
	assert.Equal(t, 25.5, cfg.Limits.RateLimitPerSec)
	assert.Equal(t, 10, cfg.Limits.RateLimitBurst)
	// Untouched fields keep their defaults.
	assert.Equal(t, "./data", cfg.Storage.DataPath)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  engine: sqlite\n"), 0o600))

	t.Setenv("SESSIOND_STORAGE_ENGINE", "memory")
	t.Setenv("SESSIOND_BREAKER_ENABLED", "false")
	t.Setenv("SESSIOND_RATE_LIMIT_PER_SEC", "12.5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, EngineMemory, cfg.Storage.Engine)
	assert.False(t, cfg.Limits.BreakerEnabled)
	assert.Equal(t, 12.5, cfg.Limits.RateLimitPerSec)
}

func TestLoadConfigRejectsUnknownEngine(t *testing.T) {
	t.Setenv("SESSIOND_STORAGE_ENGINE", "cassandra")

	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestLoadConfigRequiresPostgresDSN(t *testing.T) {
	t.Setenv("SESSIOND_STORAGE_ENGINE", "postgres")
	t.Setenv("SESSIOND_POSTGRES_DSN", "")

	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
