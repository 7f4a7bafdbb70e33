package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLEETLINK_IDENTITY_SECRET", secret)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "fleetlink.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.LivenessInterval)
	assert.Equal(t, 10*time.Minute, cfg.StaleInterval)
	assert.Equal(t, time.Minute, cfg.DrainInterval)
	assert.Equal(t, 24*time.Hour, cfg.RetentionInterval)
	assert.Equal(t, 720*time.Hour, cfg.RetentionHorizon)
	assert.Equal(t, int64(1<<20), cfg.MaxFrameBytes)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FLEETLINK_IDENTITY_SECRET", secret)
	t.Setenv("FLEETLINK_LISTEN", ":9999")
	t.Setenv("FLEETLINK_LOG_LEVEL", "debug")
	t.Setenv("FLEETLINK_DRAIN_INTERVAL", "15s")
	t.Setenv("FLEETLINK_RETENTION_HORIZON", "48h")
	t.Setenv("FLEETLINK_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("FLEETLINK_INSTANCE_ID", "node-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 15*time.Second, cfg.DrainInterval)
	assert.Equal(t, 48*time.Hour, cfg.RetentionHorizon)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "node-1", cfg.InstanceID)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":7000\"\nidentity_secret: "+secret+"\nstale_grace: 1h\n"), 0o600))
	t.Setenv("FLEETLINK_CONFIG", path)
	t.Setenv("FLEETLINK_LISTEN", ":7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Listen, "environment overrides the file")
	assert.Equal(t, time.Hour, cfg.StaleGrace)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := &Config{
		LogLevel:   "loud",
		PongWait:   time.Second,
		PingPeriod: 2 * time.Second,
	}
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"listen address is required",
		"db_path is required",
		"FLEETLINK_IDENTITY_SECRET is required",
		"log_level",
		"ping_period must be shorter than pong_wait",
		"drain_interval must be positive",
		"max_frame_bytes must be positive",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}
}

func TestShortSecretRejected(t *testing.T) {
	t.Setenv("FLEETLINK_IDENTITY_SECRET", "short")
	_, err := Load()
	assert.ErrorContains(t, err, "at least 32 characters")
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("FLEETLINK_AGENT_URL", "wss://fleet.example/ws/device")
	t.Setenv("FLEETLINK_AGENT_DEVICE_ID", "D1")
	t.Setenv("FLEETLINK_AGENT_TOKEN", "tok")
	t.Setenv("FLEETLINK_AGENT_STATUS_INTERVAL", "10s")

	cfg, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "D1", cfg.DeviceID)
	assert.Equal(t, 10*time.Second, cfg.StatusInterval)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestAgentValidate(t *testing.T) {
	cfg := &AgentConfig{URL: "http://fleet.example", DeviceID: "D1", StatusInterval: time.Millisecond}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "ws:// or wss://")
	assert.ErrorContains(t, err, "FLEETLINK_AGENT_TOKEN is required")
	assert.ErrorContains(t, err, "status_interval")
}
