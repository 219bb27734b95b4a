// Package config loads service configuration from a YAML file, with
// environment variables overriding file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Interval-like values are plain
// seconds or hours in YAML; use the accessor methods for durations.
type Config struct {
	Discord struct {
		// Token is sent verbatim in the Authorization header.
		Token string `yaml:"token" env:"DISCORD_TOKEN"`
		// NotifyUserID receives every join notification.
		NotifyUserID string `yaml:"notify_user_id" env:"DISCORD_NOTIFY_USER_ID"`
	} `yaml:"discord"`

	Monitoring struct {
		PollIntervalSeconds      int      `yaml:"poll_interval_seconds" env:"POLL_INTERVAL_SECONDS"`
		DedupWindowHours         int      `yaml:"dedup_window_hours" env:"DEDUP_WINDOW_HOURS"`
		StaleAfterMinutes        int      `yaml:"stale_after_minutes" env:"STALE_AFTER_MINUTES"`
		DiscoveryIntervalMinutes int      `yaml:"discovery_interval_minutes" env:"DISCOVERY_INTERVAL_MINUTES"`
		MaxChannelsPerPoll       int      `yaml:"max_channels_per_poll" env:"MAX_CHANNELS_PER_POLL"`
		MessageLimit             int      `yaml:"message_limit" env:"MESSAGE_LIMIT"`
		ExcludedCommunities      []string `yaml:"excluded_communities" env:"EXCLUDED_COMMUNITIES"`
	} `yaml:"monitoring"`

	Notifications struct {
		RatePerMinute       int `yaml:"rate_per_minute" env:"NOTIFY_RATE_PER_MINUTE"`
		Burst               int `yaml:"burst" env:"NOTIFY_BURST"`
		MaxAttempts         int `yaml:"max_attempts" env:"NOTIFY_MAX_ATTEMPTS"`
		WaitDeadlineSeconds int `yaml:"wait_deadline_seconds" env:"NOTIFY_WAIT_DEADLINE_SECONDS"`
	} `yaml:"notifications"`

	Database struct {
		Path          string `yaml:"path" env:"DATABASE_PATH"`
		RetentionDays int    `yaml:"retention_days" env:"RETENTION_DAYS"`
	} `yaml:"database"`

	Server struct {
		Port string `yaml:"port" env:"PORT"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
	} `yaml:"logging"`
}

// Load reads the YAML file at path (missing file is fine: defaults plus env),
// applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Environment-only configuration.
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	var cfg Config
	cfg.Monitoring.PollIntervalSeconds = 60
	cfg.Monitoring.DedupWindowHours = 24
	cfg.Monitoring.StaleAfterMinutes = 30
	cfg.Monitoring.DiscoveryIntervalMinutes = 10
	cfg.Monitoring.MaxChannelsPerPoll = 5
	cfg.Monitoring.MessageLimit = 25
	cfg.Notifications.RatePerMinute = 10
	cfg.Notifications.Burst = 3
	cfg.Notifications.MaxAttempts = 3
	cfg.Notifications.WaitDeadlineSeconds = 30
	cfg.Database.Path = "./data/joinwatch.db"
	cfg.Database.RetentionDays = 90
	cfg.Server.Port = "8080"
	cfg.Logging.Level = "info"
	return &cfg
}

func (c *Config) validate() error {
	if c.Discord.Token == "" {
		return errors.New("discord.token is required")
	}
	if c.Discord.NotifyUserID == "" {
		return errors.New("discord.notify_user_id is required")
	}
	if c.Monitoring.PollIntervalSeconds < 1 {
		return errors.New("monitoring.poll_interval_seconds must be positive")
	}
	if c.Monitoring.DedupWindowHours < 1 {
		return errors.New("monitoring.dedup_window_hours must be positive")
	}
	if c.Monitoring.DiscoveryIntervalMinutes < 1 {
		return errors.New("monitoring.discovery_interval_minutes must be positive")
	}
	if c.Notifications.MaxAttempts < 1 {
		return errors.New("notifications.max_attempts must be positive")
	}
	if c.Retention() <= c.DedupWindow() {
		return errors.New("database.retention_days must exceed monitoring.dedup_window_hours")
	}
	return nil
}

// PollInterval returns the heuristic polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitoring.PollIntervalSeconds) * time.Second
}

// DedupWindow returns the per-pair uniqueness window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Monitoring.DedupWindowHours) * time.Hour
}

// StaleAfter returns the quiet period before a heartbeat is emitted.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Monitoring.StaleAfterMinutes) * time.Minute
}

// DiscoveryInterval returns how often communities are re-discovered and the
// detector rescans for new targets.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Monitoring.DiscoveryIntervalMinutes) * time.Minute
}

// WaitDeadline returns how long a dispatch may wait for a rate token.
func (c *Config) WaitDeadline() time.Duration {
	return time.Duration(c.Notifications.WaitDeadlineSeconds) * time.Second
}

// Retention returns how long join records and markers are kept before pruning.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

// Excluded reports whether a community ID is excluded by configuration.
func (c *Config) Excluded(communityID string) bool {
	for _, id := range c.Monitoring.ExcludedCommunities {
		if id == communityID {
			return true
		}
	}
	return false
}
