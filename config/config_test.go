package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "cadence.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 1000, cfg.Queue.MaxPending)
	assert.Equal(t, 10, cfg.Breaker.VolumeThreshold)
	assert.Equal(t, 50.0, cfg.Breaker.ErrorThresholdPercent)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 25, cfg.Autopilot.BatchLimit)
	assert.Equal(t, "email", cfg.Autopilot.Channel)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[queue]
workers = 8

[breaker]
error_threshold_percent = 25.0

[autopilot]
campaign_id = "camp_enterprise"
channel = "both"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 25.0, cfg.Breaker.ErrorThresholdPercent)
	assert.Equal(t, "camp_enterprise", cfg.Autopilot.CampaignID)
	assert.Equal(t, "both", cfg.Autopilot.Channel)

	// Untouched sections keep their defaults
	assert.Equal(t, 1000, cfg.Queue.MaxPending)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestMissingFileFails(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadence.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
