package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/ghldash/internal/secrets"
)

// Default endpoints of the LeadConnector (GoHighLevel) platform
const (
	DefaultAPIBaseURL = "https://services.leadconnectorhq.com"
	DefaultAuthURL    = "https://marketplace.gohighlevel.com/oauth/authorize"
	DefaultTokenURL   = "https://services.leadconnectorhq.com/oauth/token"
	DefaultAPIVersion = "2021-07-28"
)

// Refresh intervals understood by the scheduler
const (
	IntervalHourly = "hourly"
	IntervalDaily  = "daily"
)

// AppConfig is the complete dashboard configuration
type AppConfig struct {
	Server    ServerSection    `yaml:"server"`
	OAuth     OAuthSection     `yaml:"oauth"`
	API       APISection       `yaml:"api"`
	Database  DatabaseSection  `yaml:"database"`
	Cache     CacheSection     `yaml:"cache"`
	Data      DataSection      `yaml:"data"`
	Refresh   RefreshSection   `yaml:"refresh"`
	Dashboard DashboardSection `yaml:"dashboard"`
	Log       LogSection       `yaml:"log"`
}

// ServerSection holds HTTP listener settings
type ServerSection struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// OAuthSection holds the marketplace app credentials
type OAuthSection struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURI  string        `yaml:"redirect_uri"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	Scopes       []string      `yaml:"scopes"`
	ExpiryBuffer time.Duration `yaml:"expiry_buffer"`
	StateTTL     time.Duration `yaml:"state_ttl"`
}

// APISection holds CRM API transport settings
type APISection struct {
	BaseURL   string         `yaml:"base_url"`
	Version   string         `yaml:"version"`
	Timeout   time.Duration  `yaml:"timeout"`
	RPS       float64        `yaml:"rps"`
	Burst     int            `yaml:"burst"`
	UserAgent string         `yaml:"user_agent"`
	Breaker   BreakerSection `yaml:"breaker"`

	// DailyBudget caps requests per UTC day; zero disables the cap
	DailyBudget int64   `yaml:"daily_budget"`
	BudgetWarn  float64 `yaml:"budget_warn"`
}

// BreakerSection configures the API circuit breaker
type BreakerSection struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	FailureRatio        float64       `yaml:"failure_ratio"`
}

// DatabaseSection selects the SQL store for tokens and refresh runs
type DatabaseSection struct {
	Driver          string        `yaml:"driver"` // sqlite or postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// CacheSection configures the dashboard view cache
type CacheSection struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int64         `yaml:"max_entries"`
	Redis      struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// DataSection holds local storage paths
type DataSection struct {
	Dir          string `yaml:"dir"`
	SnapshotFile string `yaml:"snapshot_file"`
}

// RefreshSection configures the background refresh
type RefreshSection struct {
	Interval     string `yaml:"interval"`
	Timezone     string `yaml:"timezone"`
	LookbackDays int    `yaml:"lookback_days"`
	Concurrency  int    `yaml:"concurrency"`
	RunOnStart   bool   `yaml:"run_on_start"`
}

// DashboardSection holds what the dashboard tracks and shows
type DashboardSection struct {
	Title            string   `yaml:"title"`
	Locations        []string `yaml:"locations"`
	PipelineStages   []string `yaml:"pipeline_stages"`
	DateRanges       []string `yaml:"date_ranges"`
	DefaultDateRange string   `yaml:"default_date_range"`
	ExportFilename   string   `yaml:"export_filename"`
}

// LogSection configures logging
type LogSection struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is present
func Default() *AppConfig {
	return &AppConfig{
		Server: ServerSection{
			Host:           "0.0.0.0",
			Port:           8050,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 45 * time.Second,
		},
		OAuth: OAuthSection{
			AuthURL:      DefaultAuthURL,
			TokenURL:     DefaultTokenURL,
			Scopes:       []string{"locations.readonly", "opportunities.readonly", "contacts.readonly"},
			ExpiryBuffer: 5 * time.Minute,
			StateTTL:     10 * time.Minute,
		},
		API: APISection{
			BaseURL:     DefaultAPIBaseURL,
			Version:     DefaultAPIVersion,
			Timeout:     30 * time.Second,
			RPS:         8,
			Burst:       4,
			UserAgent:   "ghldash/1.0",
			DailyBudget: 200000,
			BudgetWarn:  0.8,
			Breaker: BreakerSection{
				MaxRequests:         1,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
				FailureRatio:        0.6,
			},
		},
		Database: DatabaseSection{
			Driver:          "sqlite",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Cache: CacheSection{
			TTL:        10 * time.Minute,
			MaxEntries: 256,
		},
		Data: DataSection{
			Dir:          "data",
			SnapshotFile: "snapshots.db",
		},
		Refresh: RefreshSection{
			Interval:     IntervalHourly,
			Timezone:     "UTC",
			LookbackDays: 30,
			Concurrency:  4,
			RunOnStart:   true,
		},
		Dashboard: DashboardSection{
			Title: "Magic Wheels Performance Dashboard",
			Locations: []string{
				"Magic Wheels Augusta",
				"Magic Wheels Columbus",
				"Magic Wheels Greenville",
				"Magic Wheels Jacksonville",
				"Magic Wheels Macon",
				"Magic Wheels Montgomery",
				"Magic Wheels Mobile",
				"Magic Wheels Pensacola",
				"Magic Wheels Savannah",
			},
			PipelineStages:   []string{"Sold Retail", "Sold Rental"},
			DateRanges:       []string{"daily", "weekly", "monthly", "custom"},
			DefaultDateRange: "daily",
			ExportFilename:   "magic_wheels_data.csv",
		},
		Log: LogSection{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(configPath string) (*AppConfig, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(config, secrets.NewEnvProvider(""))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *AppConfig, env *secrets.EnvProvider) {
	ctx := context.Background()

	config.OAuth.ClientID = env.Lookup(ctx, "GHL_CLIENT_ID", config.OAuth.ClientID)
	config.OAuth.ClientSecret = env.Lookup(ctx, "GHL_CLIENT_SECRET", config.OAuth.ClientSecret)
	config.OAuth.RedirectURI = env.Lookup(ctx, "GHL_REDIRECT_URI", config.OAuth.RedirectURI)

	config.Server.Host = env.Lookup(ctx, "HTTP_HOST", config.Server.Host)
	if port := env.Lookup(ctx, "PORT", ""); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			config.Server.Port = val
		}
	}

	config.Database.Driver = env.Lookup(ctx, "DB_DRIVER", config.Database.Driver)
	config.Database.DSN = env.Lookup(ctx, "PG_DSN", config.Database.DSN)
	config.Database.DSN = env.Lookup(ctx, "DB_DSN", config.Database.DSN)

	config.Cache.Redis.Addr = env.Lookup(ctx, "REDIS_ADDR", config.Cache.Redis.Addr)
	config.Cache.Redis.Password = env.Lookup(ctx, "REDIS_PASSWORD", config.Cache.Redis.Password)
	if db := env.Lookup(ctx, "REDIS_DB", ""); db != "" {
		if val, err := strconv.Atoi(db); err == nil {
			config.Cache.Redis.DB = val
		}
	}

	config.Data.Dir = env.Lookup(ctx, "DATA_DIR", config.Data.Dir)
	config.Refresh.Interval = env.Lookup(ctx, "REFRESH_INTERVAL", config.Refresh.Interval)
	config.Log.Level = env.Lookup(ctx, "LOG_LEVEL", config.Log.Level)
}

// Validate checks the configuration for values the services cannot run with
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("max_idle_conns cannot exceed max_open_conns")
	}

	if c.Refresh.Interval != IntervalHourly && c.Refresh.Interval != IntervalDaily {
		return fmt.Errorf("refresh interval must be %q or %q, got %q", IntervalHourly, IntervalDaily, c.Refresh.Interval)
	}
	if c.Refresh.LookbackDays < 1 {
		return fmt.Errorf("lookback_days must be at least 1")
	}
	if _, err := time.LoadLocation(c.Refresh.Timezone); err != nil {
		return fmt.Errorf("invalid refresh timezone %q: %w", c.Refresh.Timezone, err)
	}

	if c.API.RPS <= 0 || c.API.Burst <= 0 {
		return fmt.Errorf("api rps and burst must be positive")
	}

	validRange := false
	for _, r := range c.Dashboard.DateRanges {
		if r == c.Dashboard.DefaultDateRange {
			validRange = true
			break
		}
	}
	if !validRange {
		return fmt.Errorf("default_date_range %q is not one of %v", c.Dashboard.DefaultDateRange, c.Dashboard.DateRanges)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	return nil
}

// HasOAuthCredentials reports whether the authorization flow can run
func (c *AppConfig) HasOAuthCredentials() bool {
	return c.OAuth.ClientID != "" && c.OAuth.ClientSecret != "" && c.OAuth.RedirectURI != ""
}

// SQLitePath returns the database file used when the driver is sqlite and
// no DSN was given
func (c *AppConfig) SQLitePath() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.Data.Dir, "ghldash.sqlite")
}

// SnapshotPath returns the bbolt snapshot file location
func (c *AppConfig) SnapshotPath() string {
	return filepath.Join(c.Data.Dir, c.Data.SnapshotFile)
}

// Location returns the scheduler time zone
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Refresh.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Redacted returns a copy that is safe to log
func (c *AppConfig) Redacted() AppConfig {
	redactor := secrets.NewRedactor()
	out := *c
	out.OAuth.ClientSecret = secrets.Mask(c.OAuth.ClientSecret)
	out.Database.DSN = redactor.RedactString(c.Database.DSN)
	if c.Cache.Redis.Password != "" {
		out.Cache.Redis.Password = secrets.Redacted
	}
	return out
}
