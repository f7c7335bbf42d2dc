// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Session     SessionConfig     `mapstructure:"session"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	SideBrowser SideBrowserConfig `mapstructure:"side_browser"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Time        TimeConfig        `mapstructure:"time"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SessionConfig drives the persistent login browser.
type SessionConfig struct {
	UserDataDir         string `mapstructure:"user_data_dir"`
	Headless            bool   `mapstructure:"headless"`
	UserAgent           string `mapstructure:"user_agent"`
	IndexURL            string `mapstructure:"index_url"`
	LoginTimeoutSeconds int    `mapstructure:"login_timeout_seconds"`
	LoginPollSeconds    int    `mapstructure:"login_poll_seconds"`
	LaunchSettleMs      int    `mapstructure:"launch_settle_ms"`
	NavTimeoutSeconds   int    `mapstructure:"nav_timeout_seconds"`
}

// RemoteConfig configures the content API client.
type RemoteConfig struct {
	APIBaseURL        string  `mapstructure:"api_base_url"`
	SiteBaseURL       string  `mapstructure:"site_base_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// CrawlConfig governs pacing and defaults of a crawl run.
type CrawlConfig struct {
	SearchPageSize     int    `mapstructure:"search_page_size"`
	SearchSort         string `mapstructure:"search_sort"`
	SearchPageDelayMs  int    `mapstructure:"search_page_delay_ms"`
	SearchErrorDelayMs int    `mapstructure:"search_error_delay_ms"`
	MaxSearchFailures  int    `mapstructure:"max_search_failures"`
	CommentPageDelayMs int    `mapstructure:"comment_page_delay_ms"`
	ProfileCooldownMs  int    `mapstructure:"profile_cooldown_ms"`
	DefaultMaxItems    int    `mapstructure:"default_max_items"`
	DefaultMaxComments int    `mapstructure:"default_max_comments"`
	DedupeComments     bool   `mapstructure:"dedupe_comments"`
}

// SideBrowserConfig configures the visible link-opening browser.
type SideBrowserConfig struct {
	AllowedDomain         string `mapstructure:"allowed_domain"`
	StartupTimeoutSeconds int    `mapstructure:"startup_timeout_seconds"`
	NavTimeoutSeconds     int    `mapstructure:"nav_timeout_seconds"`
	QueueDepth            int    `mapstructure:"queue_depth"`
	Headless              bool   `mapstructure:"headless"`
	UserDataDir           string `mapstructure:"user_data_dir"`
}

// StorageConfig selects and configures the author record store.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// TimeConfig sets the zone used for human-readable timestamps.
type TimeConfig struct {
	Location string `mapstructure:"location"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("session.user_data_dir", "browser_data")
	v.SetDefault("session.headless", false)
	v.SetDefault("session.user_agent", "")
	v.SetDefault("session.index_url", "https://www.xiaohongshu.com")
	v.SetDefault("session.login_timeout_seconds", 300)
	v.SetDefault("session.login_poll_seconds", 2)
	v.SetDefault("session.launch_settle_ms", 5000)
	v.SetDefault("session.nav_timeout_seconds", 30)
	v.SetDefault("remote.api_base_url", "https://edith.xiaohongshu.com")
	v.SetDefault("remote.site_base_url", "https://www.xiaohongshu.com")
	v.SetDefault("remote.timeout_seconds", 15)
	v.SetDefault("remote.requests_per_second", 2.0)
	v.SetDefault("remote.burst", 1)
	v.SetDefault("crawl.search_page_size", 20)
	v.SetDefault("crawl.search_sort", "time_descending")
	v.SetDefault("crawl.search_page_delay_ms", 1000)
	v.SetDefault("crawl.search_error_delay_ms", 2000)
	v.SetDefault("crawl.max_search_failures", 3)
	v.SetDefault("crawl.comment_page_delay_ms", 1000)
	v.SetDefault("crawl.profile_cooldown_ms", 1000)
	v.SetDefault("crawl.default_max_items", 20)
	v.SetDefault("crawl.default_max_comments", 50)
	v.SetDefault("crawl.dedupe_comments", false)
	v.SetDefault("side_browser.allowed_domain", "xiaohongshu.com")
	v.SetDefault("side_browser.startup_timeout_seconds", 15)
	v.SetDefault("side_browser.nav_timeout_seconds", 15)
	v.SetDefault("side_browser.queue_depth", 16)
	v.SetDefault("side_browser.headless", false)
	v.SetDefault("side_browser.user_data_dir", "browser_data_links")
	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dir", "data/users")
	v.SetDefault("storage.table", "author_records")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("time.location", "Local")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Session.UserDataDir == "" {
		return fmt.Errorf("session.user_data_dir must be set")
	}
	if c.Session.LoginTimeoutSeconds <= 0 {
		return fmt.Errorf("session.login_timeout_seconds must be > 0")
	}
	if c.Session.LoginPollSeconds <= 0 {
		return fmt.Errorf("session.login_poll_seconds must be > 0")
	}
	if c.Remote.APIBaseURL == "" {
		return fmt.Errorf("remote.api_base_url must be set")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be > 0")
	}
	if c.Crawl.SearchPageSize <= 0 {
		return fmt.Errorf("crawl.search_page_size must be > 0")
	}
	if c.Crawl.MaxSearchFailures <= 0 {
		return fmt.Errorf("crawl.max_search_failures must be > 0")
	}
	if c.SideBrowser.QueueDepth <= 0 {
		return fmt.Errorf("side_browser.queue_depth must be > 0")
	}
	switch c.Storage.Driver {
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir must be set for the file driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if _, err := c.Time.ZoneLocation(); err != nil {
		return fmt.Errorf("time.location: %w", err)
	}
	return nil
}

// ZoneLocation resolves the configured display time zone.
func (t TimeConfig) ZoneLocation() (*time.Location, error) {
	switch t.Location {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	default:
		return time.LoadLocation(t.Location)
	}
}

// LoginTimeout converts the login wait budget into a duration.
func (s SessionConfig) LoginTimeout() time.Duration {
	return time.Duration(s.LoginTimeoutSeconds) * time.Second
}

// LoginPoll converts the login poll interval into a duration.
func (s SessionConfig) LoginPoll() time.Duration {
	return time.Duration(s.LoginPollSeconds) * time.Second
}

// RequestTimeout converts the API request budget into a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SearchPageDelay is the pause between successful search pages.
func (c CrawlConfig) SearchPageDelay() time.Duration { return millis(c.SearchPageDelayMs) }

// SearchErrorDelay is the pause after a failed non-first search page.
func (c CrawlConfig) SearchErrorDelay() time.Duration { return millis(c.SearchErrorDelayMs) }

// CommentPageDelay is the pause between comment pages.
func (c CrawlConfig) CommentPageDelay() time.Duration { return millis(c.CommentPageDelayMs) }

// ProfileCooldown is the pause after each profile lookup.
func (c CrawlConfig) ProfileCooldown() time.Duration { return millis(c.ProfileCooldownMs) }
