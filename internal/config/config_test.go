package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "1h", cfg.Approval.TTL)
	assert.Equal(t, "5m", cfg.Breaker.OpenDuration)
	assert.Equal(t, 2.0, cfg.Breaker.BackoffFactor)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remedyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
workers: 8
log_format: json
approval:
  ttl: 30m
targets:
  web-01:
    os_type: linux
    host: 10.0.0.5
    user: remedy
    private_key_file: /etc/remedyd/id_ed25519
  win-01:
    os_type: windows
    host: 10.0.0.9
    user: Administrator
    password: hunter2
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "30m", cfg.Approval.TTL)
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "linux", cfg.Targets["web-01"].OSType)
	assert.Equal(t, "windows", cfg.Targets["win-01"].OSType)
	// Unset sections keep their defaults.
	assert.Equal(t, "5m", cfg.Breaker.OpenDuration)
}

func TestDurationFallback(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Duration("5m", time.Hour))
	assert.Equal(t, time.Hour, Duration("garbage", time.Hour))
	assert.Equal(t, time.Hour, Duration("", time.Hour))
}
