package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "127.0.0.1:8040", cfg.Server.Addr())

	// Process lifecycle timing
	assert.Equal(t, 3*time.Second, cfg.Process.GracefulTimeout)
	assert.Equal(t, 3*time.Second, cfg.Process.ForceTimeout)
	assert.Equal(t, time.Second, cfg.Process.EventTimeout)
	assert.Equal(t, 20, cfg.Process.QueueSize)

	// Crash handling
	assert.Equal(t, 60*time.Second, cfg.Crash.DialogWindow)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	require.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"WATCHD_PORT":              "9000",
		"PROCESS_GRACEFUL_TIMEOUT": "500ms",
		"PROCESS_QUEUE_SIZE":       "4",
		"CRASH_DIALOG_WINDOW":      "2m",
		"MEMORY_LAYOUT_FILE":       "/etc/watchd/layouts.yaml",
		"LOG_LEVEL":                "debug",
		"RATE_LIMIT_ENABLED":       "false",
		"WATCHD_CORS_ORIGINS":      "http://localhost:3000,https://bridge.local",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Process.GracefulTimeout)
	assert.Equal(t, 4, cfg.Process.QueueSize)
	assert.Equal(t, 2*time.Minute, cfg.Crash.DialogWindow)
	assert.Equal(t, "/etc/watchd/layouts.yaml", cfg.Memory.LayoutFile)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, []string{"http://localhost:3000", "https://bridge.local"}, cfg.Server.CORSOrigins)

	// Defaults still apply
	assert.Equal(t, 3*time.Second, cfg.Process.ForceTimeout)
}

func TestDataDirLayout(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/watchd")
	t.Setenv("REGISTRY_DIR", "/ignored")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/var/lib/watchd", "apps"), cfg.Storage.RegistryDir)
	assert.Equal(t, filepath.Join("/var/lib/watchd", "prefs.toml"), cfg.Storage.PrefsFile)
	assert.Equal(t, filepath.Join("/var/lib/watchd", "crashes"), cfg.Crash.ReportDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero kernel queue", func(c *Config) { c.Kernel.QueueSize = 0 }},
		{"zero process queue", func(c *Config) { c.Process.QueueSize = 0 }},
		{"zero graceful timeout", func(c *Config) { c.Process.GracefulTimeout = 0 }},
		{"unaligned guard", func(c *Config) { c.Memory.GuardSize = 30 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("PROCESS_QUEUE_SIZE", "not-a-number")
	cfg := LoadOrDefault()
	assert.Equal(t, 20, cfg.Process.QueueSize)
}
