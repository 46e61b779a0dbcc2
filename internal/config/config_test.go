package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "ADAPTER_TIMEOUT", "RECONCILE_SWEEP_INTERVAL", "RATE_LIMIT_PER_MINUTE", "AWS_ENDPOINT"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 10*time.Second, cfg.AdapterTimeout)
	assert.Zero(t, cfg.ReconcileSweepInterval, "sweep disabled by default")
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Empty(t, cfg.AWSEndpoint)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("ADAPTER_TIMEOUT", "3")
	t.Setenv("RECONCILE_SWEEP_INTERVAL", "300")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "30")
	t.Setenv("AWS_ENDPOINT", "http://localstack:4566")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 3*time.Second, cfg.AdapterTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileSweepInterval)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
	assert.Equal(t, "http://localstack:4566", cfg.AWSEndpoint)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PORT", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidAdapterTimeout(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("ADAPTER_TIMEOUT", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "ADAPTER_TIMEOUT")
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DASHBOARD_BASE_URL=https://dash.example.com\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("DASHBOARD_BASE_URL", "")
	os.Unsetenv("DASHBOARD_BASE_URL")
	t.Cleanup(func() { os.Unsetenv("DASHBOARD_BASE_URL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://dash.example.com", cfg.DashboardBaseURL)
}
