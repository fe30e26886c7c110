package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/var/lib/nodewarden", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 15*time.Second, cfg.ShutdownGrace.Std())
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/nodewarden", cfg.DataDir)
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/nodewarden-test
metrics_addr: ":9100"
log:
  level: debug
  json: true
sync:
  workers: 20
  debounce_window: 5s
supervisor:
  interval: 30s
  failure_threshold: 5
  error_backoff: 1m
usage:
  poll_interval: 15s
  usage_thresholds: [50, 80, 95]
handle:
  retry_attempts: 5
  retry_base_delay: 250ms
shutdown_grace: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/nodewarden-test", cfg.DataDir)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 20, cfg.Sync.Workers)
	assert.Equal(t, 5*time.Second, cfg.Sync.DebounceWindow.Std())
	assert.Equal(t, 30*time.Second, cfg.Supervisor.Interval.Std())
	assert.Equal(t, 5, cfg.Supervisor.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Supervisor.ErrorBackoff.Std())
	assert.Equal(t, 15*time.Second, cfg.Usage.PollInterval.Std())
	assert.Equal(t, []int{50, 80, 95}, cfg.Usage.UsageThresholds)
	assert.Equal(t, 5, cfg.Handle.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Handle.RetryBaseDelay.Std())
	assert.Equal(t, time.Minute, cfg.ShutdownGrace.Std())
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/var/lib/nodewarden", cfg.DataDir, "unset fields keep their defaults")
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, "shutdown_grace: banana\n")
	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "banana")
}

func TestLoadEmptyDataDirRejected(t *testing.T) {
	path := writeConfig(t, `data_dir: ""`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yml")
	assert.Error(t, err)
}
