package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "rpc", cfg.Server.Mode)
	assert.Equal(t, "stdio", cfg.Server.RPCTransport)
	assert.Equal(t, "file", cfg.Storage.Provider)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, 30, cfg.Storage.LockTimeout)
	assert.Equal(t, 3, cfg.Defaults.MaxRetries)
	assert.Equal(t, 10, cfg.Defaults.LeaseDurationMinutes)
	assert.Equal(t, 1, cfg.Defaults.ReaperIntervalMinutes)
	assert.Equal(t, "memory", cfg.Events.Provider)
	assert.True(t, cfg.Session.EnableAuth)
	// Auth enabled with no secret gets a generated dev secret
	assert.NotEmpty(t, cfg.Session.Secret)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKDRIVER_HOST", "127.0.0.1")
	t.Setenv("TASKDRIVER_PORT", "4000")
	t.Setenv("TASKDRIVER_MODE", "http")
	t.Setenv("TASKDRIVER_STORAGE_PROVIDER", "redis")
	t.Setenv("TASKDRIVER_STORAGE_CONNECTION_STRING", "redis://localhost:6379/0")
	t.Setenv("TASKDRIVER_DEFAULT_MAX_RETRIES", "5")
	t.Setenv("TASKDRIVER_DEFAULT_LEASE_DURATION", "30")
	t.Setenv("TASKDRIVER_LOG_LEVEL", "debug")
	t.Setenv("TASKDRIVER_LOG_PRETTY", "true")
	t.Setenv("TASKDRIVER_SESSION_SECRET", "test-secret")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "http", cfg.Server.Mode)
	assert.Equal(t, "redis", cfg.Storage.Provider)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.ConnectionString)
	assert.Equal(t, 5, cfg.Defaults.MaxRetries)
	assert.Equal(t, 30, cfg.Defaults.LeaseDurationMinutes)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format())
	assert.Equal(t, "test-secret", cfg.Session.Secret)
}

func TestLoadRejectsUnknownEnvKeys(t *testing.T) {
	t.Setenv("TASKDRIVER_BOGUS_KEY", "1")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASKDRIVER_BOGUS_KEY")
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad storage provider",
			mutate:  func(c *Config) { c.Storage.Provider = "dynamo" },
			wantErr: "storage.provider",
		},
		{
			name:    "max retries above range",
			mutate:  func(c *Config) { c.Defaults.MaxRetries = 11 },
			wantErr: "defaults.maxRetries",
		},
		{
			name:    "lease duration below range",
			mutate:  func(c *Config) { c.Defaults.LeaseDurationMinutes = 0 },
			wantErr: "defaults.leaseDurationMinutes",
		},
		{
			name:    "reaper interval above range",
			mutate:  func(c *Config) { c.Defaults.ReaperIntervalMinutes = 61 },
			wantErr: "defaults.reaperIntervalMinutes",
		},
		{
			name:    "mongodb without connection string",
			mutate:  func(c *Config) { c.Storage.Provider = "mongodb"; c.Storage.ConnectionString = "" },
			wantErr: "storage.connectionString",
		},
		{
			name:    "bad mode",
			mutate:  func(c *Config) { c.Server.Mode = "daemon" },
			wantErr: "server.mode",
		},
		{
			name:    "nats without url",
			mutate:  func(c *Config) { c.Events.Provider = "nats"; c.Events.URL = "" },
			wantErr: "events.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)

			tt.mutate(cfg)
			err = validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckEnvKeysIgnoresOtherPrefixes(t *testing.T) {
	err := checkEnvKeys([]string{"HOME=/root", "PATH=/usr/bin", "TASKDRIVER_PORT=8080"})
	require.NoError(t, err)

	err = checkEnvKeys([]string{"TASKDRIVER_NOPE=1"})
	require.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "30s", cfg.Storage.LockTimeoutDuration().String())
	assert.Equal(t, "1h0m0s", cfg.Session.TimeoutDuration().String())
	assert.Equal(t, "1m0s", cfg.Defaults.ReaperInterval().String())
	assert.Equal(t, "0.0.0.0:3000", cfg.Server.Addr())
}
