package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := load(func(string) (string, bool) { return "", false })
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, "local", cfg.ArtifactBackend)
	assert.Nil(t, cfg.KafkaBrokers)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: postgres
sync-interval: 10s
max_retries: 5
minio_use_ssl: true
rate_limit_refill_per_sec: 2.5
kafka_brokers:
  - k1:9092
  - k2:9092
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("BACKOFF_MAX", "bogus")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.SyncInterval)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.True(t, cfg.MinIOUseSSL)
	assert.InDelta(t, 2.5, cfg.RateLimitRefill, 1e-9)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.BackoffMax, "unparsable values fall back to the default")
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_driver: [unclosed"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}
