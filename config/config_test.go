package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
engine:
  max_retries: 3
  wait: 250ms
store:
  driver: sqlite
  path: /tmp/runs.db
metrics:
  enabled: true
`)
	t.Setenv("FLOWCORE_ENGINE_MAX_RETRIES", "5")
	t.Setenv("FLOWCORE_STORE_TTL", "1h")
	t.Setenv("FLOWCORE_TRACING_ENABLED", "true")
	t.Setenv("FLOWCORE_LLM_REQUESTS_PER_SECOND", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Wait)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/runs.db", cfg.Store.Path)
	assert.Equal(t, time.Hour, cfg.Store.TTL)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 2.5, cfg.LLM.RequestsPerSecond)
	// untouched sections keep their defaults
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadAPIKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)

	t.Setenv("FLOWCORE_LLM_API_KEY", "sk-flowcore")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-flowcore", cfg.LLM.APIKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "engine: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("FLOWCORE_ENGINE_WAIT", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "FLOWCORE_ENGINE_WAIT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Store.Driver = "etcd"
	cfg.Engine.Timeout = -time.Second
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, `store.driver "etcd"`)
	assert.ErrorContains(t, err, "engine.timeout must not be negative")
	assert.ErrorContains(t, err, "log.format")
}
