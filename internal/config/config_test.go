package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchkiterrors "github.com/tombee/orchkit/pkg/errors"
)

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Backend.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Executor.CircuitBreakerMaxFailures)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Backend.Type, cfg.Backend.Type)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  type: sqlite
  sqlite:
    path: /var/lib/orchkit/orchkit.db
quota:
  rate_per_minute: 60
  burst: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, "/var/lib/orchkit/orchkit.db", cfg.Backend.SQLite.Path)
	assert.Equal(t, float64(60), cfg.Quota.RatePerMinute)
	assert.Equal(t, 5, cfg.Quota.Burst)
}

func TestLoad_EnvOverridesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))

	t.Setenv("ORCHKIT_LOG_LEVEL", "debug")
	t.Setenv("ORCHKIT_BACKEND_TYPE", "sqlite")
	t.Setenv("ORCHKIT_BACKEND_SQLITE_PATH", "/tmp/env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, "/tmp/env.db", cfg.Backend.SQLite.Path)
}

func TestValidate_RejectsUnknownBackendType(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "postgres"
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchkiterrors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "backend.type")
}

func TestValidate_RequiresSQLitePathWhenBackendIsSQLite(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "sqlite"
	cfg.Backend.SQLite.Path = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.sqlite.path")
}

func TestValidate_RequiresOTLPEndpointWhenTracingEnabled(t *testing.T) {
	cfg := Default()
	cfg.Tracing.Enabled = true
	cfg.Tracing.OTLPEndpoint = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracing.otlp_endpoint")
}

func TestValidate_RequiresRedisAddrWhenOutputCacheIsRedis(t *testing.T) {
	cfg := Default()
	cfg.OutputCache.Type = "redis"
	cfg.OutputCache.Redis.Addr = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output_cache.redis.addr")
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(Default()))
}
