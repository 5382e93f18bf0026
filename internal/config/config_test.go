package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"LISTEN_ADDR",
		"KEY_FILE",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"UPSTREAM_TIMEOUT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:7900", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)

	// KEY_FILE defaults to key.json resolved against the working dir.
	assert.True(t, filepath.IsAbs(cfg.KeyFile))
	assert.Equal(t, "key.json", filepath.Base(cfg.KeyFile))
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("KEY_FILE", "/tmp/sa.json")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("UPSTREAM_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, "/tmp/sa.json", cfg.KeyFile)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
}

func TestLoad_EmptyListenAddrRejected(t *testing.T) {
	clearConfigEnv(t)
	// envDefault only applies to unset vars; set-but-empty reaches
	// validation.
	t.Setenv("LISTEN_ADDR", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LISTEN_ADDR")
}

func TestLoad_InvalidTimeoutRejected(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("UPSTREAM_TIMEOUT", "-1s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_TIMEOUT")
}

func TestLoad_RelativeKeyFileResolved(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("KEY_FILE", "creds/key.json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.KeyFile))
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())

	cfg.Environment = "development"
	assert.False(t, cfg.IsProduction())
}
