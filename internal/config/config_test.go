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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "soil", cfg.Storage.KeyPrefix)
	assert.Equal(t, 4000, cfg.Storage.HistoryCap)
	assert.Equal(t, 5000, cfg.Storage.RollupCap)
	assert.Equal(t, 10*time.Minute, cfg.Aggregation.Window)

	require.Contains(t, cfg.Query.Ranges, "short")
	short := cfg.Query.Ranges["short"]
	assert.Equal(t, SourceHistory, short.Source)
	assert.Equal(t, time.Hour, short.Span)
	assert.Equal(t, time.Minute, short.Bucket)
	assert.Equal(t, []string{"1h"}, short.Aliases)

	long := cfg.Query.Ranges["long"]
	assert.Equal(t, 7*24*time.Hour, long.Span)
	assert.Equal(t, 2*time.Hour, long.Bucket)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SOILWATCH_STORAGE_BACKEND", "redis")
	t.Setenv("SOILWATCH_STORAGE_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("SOILWATCH_AGGREGATION_WINDOW", "5m")

	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Storage.RedisURL)
	assert.Equal(t, 5*time.Minute, cfg.Aggregation.Window)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend":   "storage:\n  backend: sqlite\n",
		"postgres no dsn":   "storage:\n  backend: postgres\n",
		"tiny window":       "aggregation:\n  window: 10ms\n",
		"threshold":         "alerting:\n  threshold_pct: 150\n",
		"telegram no token": "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"fetch no targets":  "fetch:\n  enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFetchTargets(t *testing.T) {
	body := "fetch:\n  enabled: true\n  interval: 30s\n  targets:\n    bed-a: http://10.0.0.7/reading\n"
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.True(t, cfg.Fetch.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Interval)
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, map[string]string{"bed-a": "http://10.0.0.7/reading"}, cfg.Fetch.Targets)
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	assert.Equal(t, 50, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}
