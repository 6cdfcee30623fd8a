package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, "standard", cfg.Priority)
	assert.Equal(t, 60*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retouch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
credentials: "RTAPI-from-file"
base_url: "https://staging.retouch.example/editor"
priority: high
default_timeout: 90s
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "RTAPI-from-file", cfg.Credentials)
	assert.Equal(t, "https://staging.retouch.example/editor", cfg.BaseURL)
	assert.Equal(t, "high", cfg.Priority)
	assert.Equal(t, 90*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("credentials: [unterminated"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("RETOUCH_CREDENTIALS", "user@example.com:hunter2")
	t.Setenv("RETOUCH_BASE_URL", "http://127.0.0.1:8080")
	t.Setenv("RETOUCH_PRIORITY", "low")
	t.Setenv("RETOUCH_TIMEOUT", "45s")

	cfg := FromEnv()
	assert.Equal(t, "user@example.com:hunter2", cfg.Credentials)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.BaseURL)
	assert.Equal(t, "low", cfg.Priority)
	assert.Equal(t, 45*time.Second, cfg.DefaultTimeout)
}
