package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATAOPS_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, ":5063", cfg.HTTP.Addr)
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 8, cfg.Lock.MaxAttempts)
	assert.True(t, cfg.Events.Outbox)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATAOPS_CONFIG", "")
	t.Setenv("DATAOPS_LOG_LEVEL", "debug")
	t.Setenv("DATAOPS_CACHE_BACKEND", "surreal")
	t.Setenv("DATAOPS_EVENTS_TIMEOUT", "3s")
	t.Setenv("DATAOPS_LOCK_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "surreal", cfg.Cache.Backend)
	assert.Equal(t, 3*time.Second, cfg.Events.Timeout)
	assert.Equal(t, 3, cfg.Lock.MaxAttempts)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: 127.0.0.1:9000
cache:
  in_memory: true
  dir: ""
storage:
  greenroom_root: /mnt/gr
`), 0o644))
	t.Setenv("DATAOPS_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.True(t, cfg.Cache.InMemory)
	assert.Equal(t, "/mnt/gr", cfg.Storage.GreenroomRoot)
	assert.Equal(t, "/vre-data", cfg.Storage.CoreRoot, "unset keys keep defaults")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"DATAOPS_CACHE_BACKEND":           "redis",
		"DATAOPS_SURREAL_AUTH_LEVEL":      "namespace",
		"DATAOPS_EVENTS_SEND_MESSAGE_URL": "not a url",
		"DATAOPS_LOCK_MAX_ATTEMPTS":       "0",
	}
	for env, val := range tests {
		t.Run(env, func(t *testing.T) {
			t.Setenv("DATAOPS_CONFIG", "")
			t.Setenv(env, val)

			_, err := Load()
			assert.ErrorContains(t, err, "configuration validation failed")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("DATAOPS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	log := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	log.Debug("hidden")
	log.Info("lock granted", "key", "gr-proj/a.txt")

	assert.Contains(t, stderr.String(), "lock granted")
	assert.NotContains(t, stderr.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(file.Bytes()), &rec))
	assert.Equal(t, "gr-proj/a.txt", rec["key"])
}

func TestSetupLoggerStderrOnly(t *testing.T) {
	log, cleanup := SetupLogger("", slog.LevelWarn)
	require.NotNil(t, log)
	assert.NoError(t, cleanup())
}
