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

	assert.Equal(t, 8050, cfg.Server.Port)
	assert.Equal(t, DefaultTokenURL, cfg.OAuth.TokenURL)
	assert.Equal(t, 5*time.Minute, cfg.OAuth.ExpiryBuffer)
	assert.Equal(t, IntervalHourly, cfg.Refresh.Interval)
	assert.Len(t, cfg.Dashboard.Locations, 9)
	assert.Equal(t, []string{"Sold Retail", "Sold Rental"}, cfg.Dashboard.PipelineStages)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghldash.yaml")
	content := `
server:
  port: 9000
refresh:
  interval: daily
  lookback_days: 90
dashboard:
  locations: ["Magic Wheels Macon"]
oauth:
  client_id: from-file
  expiry_buffer: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("GHL_CLIENT_ID", "from-env")
	t.Setenv("GHL_CLIENT_SECRET", "s3cret")
	t.Setenv("GHL_REDIRECT_URI", "http://localhost:9000/oauth/callback")
	t.Setenv("PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, IntervalDaily, cfg.Refresh.Interval)
	assert.Equal(t, 90, cfg.Refresh.LookbackDays)
	assert.Equal(t, []string{"Magic Wheels Macon"}, cfg.Dashboard.Locations)
	assert.Equal(t, "from-env", cfg.OAuth.ClientID)
	assert.Equal(t, 2*time.Minute, cfg.OAuth.ExpiryBuffer)
	assert.True(t, cfg.HasOAuthCredentials())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		errMsg string
	}{
		{"bad interval", func(c *AppConfig) { c.Refresh.Interval = "weekly" }, "refresh interval"},
		{"postgres without dsn", func(c *AppConfig) { c.Database.Driver = "postgres" }, "dsn is required"},
		{"unknown driver", func(c *AppConfig) { c.Database.Driver = "mysql" }, "unknown database driver"},
		{"lookback", func(c *AppConfig) { c.Refresh.LookbackDays = 0 }, "lookback_days"},
		{"rate limit", func(c *AppConfig) { c.API.RPS = 0 }, "rps"},
		{"date range", func(c *AppConfig) { c.Dashboard.DefaultDateRange = "yearly" }, "default_date_range"},
		{"log level", func(c *AppConfig) { c.Log.Level = "loud" }, "log level"},
		{"timezone", func(c *AppConfig) { c.Refresh.Timezone = "Mars/Olympus" }, "timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.OAuth.ClientSecret = "supersecretvalue"
	cfg.Database.DSN = "postgres://app:hunter2@db:5432/ghl"
	cfg.Cache.Redis.Password = "pw"

	out := cfg.Redacted()
	assert.NotContains(t, out.OAuth.ClientSecret, "supersecret")
	assert.NotContains(t, out.Database.DSN, "hunter2")
	assert.Equal(t, "[REDACTED]", out.Cache.Redis.Password)
	assert.Equal(t, "supersecretvalue", cfg.OAuth.ClientSecret)
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.Data.Dir = "/var/lib/ghldash"
	assert.Equal(t, "/var/lib/ghldash/ghldash.sqlite", cfg.SQLitePath())
	assert.Equal(t, "/var/lib/ghldash/snapshots.db", cfg.SnapshotPath())
	assert.Equal(t, time.UTC, cfg.Location())
}
