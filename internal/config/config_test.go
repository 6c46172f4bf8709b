package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.SchemaVersion)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxSizeBytes)
	assert.Equal(t, 7*24*time.Hour, cfg.TTL)
	assert.Equal(t, 10_000, cfg.MaxEntries)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionMaxAge)
	assert.Empty(t, cfg.HMACKey)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "substrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/substrate
schema_version: 3
hmac_key: k
idempotency:
  ttl_ms: 60000
  max_entries: 50
timeouts:
  trusted_models: [alpha, beta]
  hard_floor_minutes: 2
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/substrate", cfg.DataDir)
	assert.Equal(t, 3, cfg.SchemaVersion)
	assert.Equal(t, "k", cfg.HMACKey)
	assert.Equal(t, time.Minute, cfg.TTL)
	assert.Equal(t, 50, cfg.MaxEntries)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.TrustedModels)
	assert.Equal(t, 2, cfg.HardFloorMinutes)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SUBSTRATE_SCHEMA_VERSION", "4")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.SchemaVersion)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("SUBSTRATE_SCHEMA_VERSION", "0")
	_, err := Load("")
	assert.Error(t, err)
}
