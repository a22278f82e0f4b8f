package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application config.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Portal   PortalConfig   `koanf:"portal"`
	Sync     SyncConfig     `koanf:"sync"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// PortalConfig points at the utility portal and carries the account
// credentials. The endpoint fields exist so tests can aim the engine at
// a local stand-in; production deployments leave them on the defaults.
type PortalConfig struct {
	Email       string `koanf:"email"`
	Password    string `koanf:"password"`
	AuthBaseURL string `koanf:"auth_base_url"`
	APIBaseURL  string `koanf:"api_base_url"`
	ClientID    string `koanf:"client_id"`
	RedirectURI string `koanf:"redirect_uri"`
	Policy      string `koanf:"policy"`
	Timezone    string `koanf:"timezone"`
}

type SyncConfig struct {
	Interval           string `koanf:"interval"`
	WidgetTimeout      string `koanf:"widget_timeout"`
	PassDeadline       string `koanf:"pass_deadline"`
	UsageWindowDays    int    `koanf:"usage_window_days"`
	BackfillChunkDays  int    `koanf:"backfill_chunk_days"`
	BackfillChunkDelay string `koanf:"backfill_chunk_delay"`
}

// Duration accessors assume a validated config; Validate rejects any
// unparseable value before these are reached.

func (c SyncConfig) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}

func (c SyncConfig) WidgetTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.WidgetTimeout)
	return d
}

func (c SyncConfig) PassDeadlineDuration() time.Duration {
	d, _ := time.ParseDuration(c.PassDeadline)
	return d
}

func (c SyncConfig) BackfillChunkDelayDuration() time.Duration {
	d, _ := time.ParseDuration(c.BackfillChunkDelay)
	return d
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if strings.TrimSpace(c.Portal.Email) == "" {
		return fmt.Errorf("portal.email is required")
	}
	if strings.TrimSpace(c.Portal.Password) == "" {
		return fmt.Errorf("portal.password is required")
	}
	if strings.TrimSpace(c.Portal.AuthBaseURL) == "" {
		return fmt.Errorf("portal.auth_base_url is required")
	}
	if strings.TrimSpace(c.Portal.APIBaseURL) == "" {
		return fmt.Errorf("portal.api_base_url is required")
	}
	if strings.TrimSpace(c.Portal.ClientID) == "" {
		return fmt.Errorf("portal.client_id is required")
	}
	if _, err := time.LoadLocation(c.Portal.Timezone); err != nil {
		return fmt.Errorf("invalid portal.timezone %q: %w", c.Portal.Timezone, err)
	}

	interval, err := time.ParseDuration(c.Sync.Interval)
	if err != nil {
		return fmt.Errorf("invalid sync.interval %q: %w", c.Sync.Interval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("sync.interval must be > 0")
	}
	widgetTimeout, err := time.ParseDuration(c.Sync.WidgetTimeout)
	if err != nil {
		return fmt.Errorf("invalid sync.widget_timeout %q: %w", c.Sync.WidgetTimeout, err)
	}
	passDeadline, err := time.ParseDuration(c.Sync.PassDeadline)
	if err != nil {
		return fmt.Errorf("invalid sync.pass_deadline %q: %w", c.Sync.PassDeadline, err)
	}
	if widgetTimeout <= 0 || widgetTimeout >= passDeadline {
		return fmt.Errorf("sync.widget_timeout must be > 0 and below sync.pass_deadline")
	}
	// A pass must never survive into the next scheduled trigger.
	if passDeadline >= interval {
		return fmt.Errorf("sync.pass_deadline must be below sync.interval")
	}
	if c.Sync.UsageWindowDays <= 0 {
		return fmt.Errorf("sync.usage_window_days must be > 0")
	}
	if c.Sync.BackfillChunkDays <= 0 {
		return fmt.Errorf("sync.backfill_chunk_days must be > 0")
	}
	if _, err := time.ParseDuration(c.Sync.BackfillChunkDelay); err != nil {
		return fmt.Errorf("invalid sync.backfill_chunk_delay %q: %w", c.Sync.BackfillChunkDelay, err)
	}

	return nil
}

// Load parses config from file + env and validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":               8080,
		"server.host":               "0.0.0.0",
		"server.mode":               "release",
		"database.dsn":              "",
		"database.max_open_conns":   10,
		"database.max_idle_conns":   5,
		"database.auto_migrate":     true,
		"portal.email":              "",
		"portal.password":           "",
		"portal.auth_base_url":      "https://auth.genesisenergy.co.nz/auth.genesisenergy.co.nz",
		"portal.api_base_url":       "https://web-api.genesisenergy.co.nz",
		"portal.client_id":          "8e41676f-7601-4490-9786-85d74f387f47",
		"portal.redirect_uri":       "https://myaccount.genesisenergy.co.nz/auth/redirect",
		"portal.policy":             "B2C_1A_signin",
		"portal.timezone":           "Pacific/Auckland",
		"sync.interval":             "1h",
		"sync.widget_timeout":       "30s",
		"sync.pass_deadline":        "2m",
		"sync.usage_window_days":    4,
		"sync.backfill_chunk_days":  4,
		"sync.backfill_chunk_delay": "2s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("GENESYNC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GENESYNC_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
