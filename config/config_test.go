package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, time.Second, cfg.Realtime.PublishInterval)
	assert.Equal(t, 200, cfg.Realtime.BatchSize)
	assert.Equal(t, 10, cfg.Realtime.MaxAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second, time.Minute}, cfg.Realtime.Backoff)
	assert.Equal(t, 7, cfg.Realtime.RetentionDays)
	assert.Equal(t, 90*time.Second, cfg.Presence.TTL)
	assert.Equal(t, 120*time.Second, cfg.Presence.IndexTTL)
	assert.Equal(t, 15*time.Second, cfg.Presence.SweepInterval)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
database:
  driver: sqlite
  dsn: "file::memory:"
realtime:
  batch_size: 50
  backoff: ["1s", "3s"]
presence:
  ttl: 30s
  index_ttl: 10s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("CONFIG_PATH", dir)
	t.Setenv("CRM_REDIS_ENABLED", "true")
	t.Setenv("CRM_REALTIME_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Realtime.BatchSize)
	assert.Equal(t, 4, cfg.Realtime.MaxAttempts)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.Realtime.Backoff)
	assert.Equal(t, 30*time.Second, cfg.Presence.TTL)
	// 索引 TTL 不能短于记录 TTL
	assert.Equal(t, 30*time.Second, cfg.Presence.IndexTTL)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Database: DatabaseConfig{Driver: "postgres"},
			Realtime: RealtimeConfig{BatchSize: 1, MaxAttempts: 1, Backoff: []time.Duration{time.Second}},
			Presence: PresenceConfig{TTL: time.Second, IndexTTL: time.Second},
		}
	}

	c := base()
	assert.NoError(t, c.Validate())

	c = base()
	c.Database.Driver = "mysql"
	assert.Error(t, c.Validate())

	c = base()
	c.Realtime.Backoff = []time.Duration{5 * time.Second, time.Second}
	assert.Error(t, c.Validate())

	c = base()
	c.Realtime.MaxAttempts = 0
	assert.Error(t, c.Validate())
}
