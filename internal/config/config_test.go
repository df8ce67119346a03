package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Provider, cfg.Provider)
	assert.Equal(t, 5*time.Minute, cfg.Session.RequestTimeout.Std())
}

func TestLoad_OverlaysOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
provider: codex-cli
model: o4-mini
retry:
  max-retries: 5
breaker:
  failure-threshold: 3
session:
  request-timeout: 2m
  stuck-threshold: 90s
  tool-config: /etc/aibridge/mcp.json
confusion-markers:
  - "no idea"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "codex-cli", cfg.Provider)
	assert.Equal(t, "o4-mini", cfg.Model)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Session.RequestTimeout.Std())
	assert.Equal(t, 90*time.Second, cfg.Session.StuckThreshold.Std())
	assert.Equal(t, "/etc/aibridge/mcp.json", cfg.Session.ToolConfig)
	assert.Equal(t, []string{"no idea"}, cfg.ConfusionMarkers)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().SelfHeal.Interval, cfg.SelfHeal.Interval)
	assert.Equal(t, Default().Breaker.SuccessThreshold, cfg.Breaker.SuccessThreshold)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: \"\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Session.RequestTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Quality.MinValidRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Breaker.FailureThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: claude-cli\n"), 0o644))

	stop := make(chan struct{})
	defer close(stop)

	reloaded := make(chan *Config, 1)
	go func() {
		_ = Watch(path, stop, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("provider: codex-cli\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "codex-cli", cfg.Provider)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload not observed")
	}
}
