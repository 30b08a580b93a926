package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverRemote, cfg.Browser.Driver)
	assert.Equal(t, 2, cfg.Browser.MaxBrowsers)
	assert.Equal(t, 2, cfg.MaxRetries())
	assert.Equal(t, "oo_automator.db", cfg.Storage.Path)
	assert.Equal(t, 6*time.Second, cfg.Throttle.MinInterval)
	assert.Len(t, cfg.Throttle.Steps, 3)
	assert.Equal(t, 2*time.Minute, cfg.Site.Timeouts.Completion)
	assert.Equal(t, "artifacts", cfg.Artifacts.Dir)
	assert.Equal(t, 256, cfg.Dispatch.Buffer)
	assert.False(t, cfg.Events.Enabled)
	assert.Equal(t, "AUTOMATOR", cfg.Events.Stream)
	assert.True(t, cfg.Host.Enabled)
	assert.Equal(t, 90.0, cfg.Host.MaxCPU)
	assert.False(t, cfg.HasCredentials())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "automator.yaml", `
credentials:
  email: trader@example.com
  password: secret
browser:
  driver: dryrun
  max_browsers: 3
  retry_attempts: 5
  dryrun:
    latency: 50ms
    failure_rate: 0.25
site:
  base_url: https://staging.example.com/
  timeouts:
    completion: 5m
throttle:
  min_interval: 1s
  steps:
    - failures: 2
      delay: 3s
artifacts:
  dir: /tmp/diag
  docker_logs: true
events:
  enabled: true
  prefix: bt
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.HasCredentials())
	assert.Equal(t, DriverDryRun, cfg.Browser.Driver)
	assert.Equal(t, 3, cfg.Browser.MaxBrowsers)
	assert.Equal(t, 4, cfg.MaxRetries())
	assert.Equal(t, 50*time.Millisecond, cfg.Browser.DryRun.Latency)
	assert.Equal(t, 0.25, cfg.Browser.DryRun.FailureRate)
	assert.Equal(t, "https://staging.example.com/", cfg.Layout().BaseURL)
	assert.Equal(t, 5*time.Minute, cfg.Site.Timeouts.Completion)
	assert.Equal(t, 10*time.Second, cfg.Site.Timeouts.Element)
	assert.Equal(t, time.Second, cfg.Throttle.MinInterval)
	require.Len(t, cfg.Throttle.Steps, 1)
	assert.Equal(t, 3*time.Second, cfg.Throttle.Steps[0].Delay)
	assert.Equal(t, "/tmp/diag", cfg.Artifacts.Dir)
	assert.True(t, cfg.Artifacts.DockerLogs)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "bt", cfg.Events.Prefix)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OO_EMAIL", "env@example.com")
	t.Setenv("OO_PASSWORD", "hunter2")
	t.Setenv("OO_MAX_BROWSERS", "4")
	t.Setenv("OO_DB_PATH", "/data/results.db")
	t.Setenv("OO_BROWSER_DRIVER", "dryrun")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cfg.Credentials.Email)
	assert.Equal(t, "hunter2", cfg.Credentials.Password)
	assert.Equal(t, 4, cfg.Browser.MaxBrowsers)
	assert.Equal(t, "/data/results.db", cfg.Storage.Path)
	assert.Equal(t, DriverDryRun, cfg.Browser.Driver)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "browser:\n  driver: selenium\n"},
		{"no browsers", "browser:\n  max_browsers: 0\n"},
		{"no attempts", "browser:\n  retry_attempts: 0\n"},
		{"bad failure rate", "browser:\n  driver: dryrun\n  dryrun:\n    failure_rate: 2\n"},
		{"remote without nats", "nats:\n  url: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
