// Package config loads server and agent configuration from the environment,
// an optional .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds the server configuration. Every key can be set through a
// FLEETLINK_<KEY> environment variable.
type Config struct {
	Listen   string `mapstructure:"listen"`
	DBPath   string `mapstructure:"db_path"`
	LogLevel string `mapstructure:"log_level"`

	// Identity tokens
	IdentitySecret string `mapstructure:"identity_secret"`
	IdentityIssuer string `mapstructure:"identity_issuer"`

	// Shared session directory (optional)
	RedisURL   string `mapstructure:"redis_url"`
	InstanceID string `mapstructure:"instance_id"`

	// Device transport
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	MaxFrameBytes    int64         `mapstructure:"max_frame_bytes"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`

	// Reconciliation
	LivenessInterval  time.Duration `mapstructure:"liveness_interval"`
	StaleInterval     time.Duration `mapstructure:"stale_interval"`
	DrainInterval     time.Duration `mapstructure:"drain_interval"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	RetentionHorizon  time.Duration `mapstructure:"retention_horizon"`
	StaleGrace        time.Duration `mapstructure:"stale_grace"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
}

var serverDefaults = map[string]any{
	"listen":             ":8080",
	"db_path":            "fleetlink.db",
	"log_level":          "info",
	"identity_secret":    "",
	"identity_issuer":    "",
	"redis_url":          "",
	"instance_id":        "",
	"allowed_origins":    []string{},
	"pong_wait":          60 * time.Second,
	"ping_period":        54 * time.Second,
	"write_wait":         10 * time.Second,
	"max_frame_bytes":    1 << 20,
	"subscriber_buffer":  64,
	"liveness_interval":  5 * time.Minute,
	"stale_interval":     10 * time.Minute,
	"drain_interval":     time.Minute,
	"retention_interval": 24 * time.Hour,
	"retention_horizon":  30 * 24 * time.Hour,
	"stale_grace":        15 * time.Minute,
	"ack_timeout":        5 * time.Minute,
}

// Load reads the server configuration. FLEETLINK_CONFIG names an optional
// config file; environment variables override it.
func Load() (*Config, error) {
	v, err := newViper("FLEETLINK", serverDefaults)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.IdentitySecret == "" {
		errs = append(errs, errors.New("FLEETLINK_IDENTITY_SECRET is required"))
	} else if len(c.IdentitySecret) < 32 {
		errs = append(errs, errors.New("identity_secret must be at least 32 characters"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			errs = append(errs, fmt.Errorf("redis_url: %w", err))
		}
	}

	for name, d := range map[string]time.Duration{
		"pong_wait":          c.PongWait,
		"ping_period":        c.PingPeriod,
		"write_wait":         c.WriteWait,
		"liveness_interval":  c.LivenessInterval,
		"stale_interval":     c.StaleInterval,
		"drain_interval":     c.DrainInterval,
		"retention_interval": c.RetentionInterval,
		"retention_horizon":  c.RetentionHorizon,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.PingPeriod >= c.PongWait {
		errs = append(errs, errors.New("ping_period must be shorter than pong_wait"))
	}
	if c.StaleGrace < 0 || c.AckTimeout < 0 {
		errs = append(errs, errors.New("stale_grace and ack_timeout must not be negative"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("max_frame_bytes must be positive"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("subscriber_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() zerolog.Level {
	return parseLevel(c.LogLevel)
}

// AgentConfig holds the reference agent configuration, read from
// FLEETLINK_AGENT_<KEY> environment variables.
type AgentConfig struct {
	URL            string        `mapstructure:"url"`
	DeviceID       string        `mapstructure:"device_id"`
	Token          string        `mapstructure:"token"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	LogLevel       string        `mapstructure:"log_level"`
}

var agentDefaults = map[string]any{
	"url":             "",
	"device_id":       "",
	"token":           "",
	"status_interval": 30 * time.Second,
	"log_level":       "info",
}

// LoadAgent reads the agent configuration. The device id defaults to the
// hostname.
func LoadAgent() (*AgentConfig, error) {
	v, err := newViper("FLEETLINK_AGENT", agentDefaults)
	if err != nil {
		return nil, err
	}
	cfg := &AgentConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID, _ = os.Hostname()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("FLEETLINK_AGENT_URL is required"))
	} else if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, errors.New("agent url must be a ws:// or wss:// URL"))
	}
	if c.DeviceID == "" {
		errs = append(errs, errors.New("FLEETLINK_AGENT_DEVICE_ID is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("FLEETLINK_AGENT_TOKEN is required"))
	}
	if c.StatusInterval < time.Second {
		errs = append(errs, errors.New("status_interval must be at least 1 second"))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, falling back to info.
func (c *AgentConfig) Level() zerolog.Level {
	return parseLevel(c.LogLevel)
}

func newViper(prefix string, defaults map[string]any) (*viper.Viper, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(prefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
