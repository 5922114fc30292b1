package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/types"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default", cfg.QueueName)
	assert.Equal(t, types.BackoffExponential, cfg.Backoff.Policy)
	assert.False(t, cfg.Sandbox.Enabled)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	content := `
dataDir: /tmp/loom-test
maxConcurrency: 3
lockTTL: 10s
backoff:
  policy: fixed
  baseDelay: 2s
sandbox:
  enabled: true
  maxSandboxes: 2
rateLimit:
  jobsPerSecond: 50
  burst: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/loom-test", cfg.DataDir)
	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, types.BackoffFixed, cfg.Backoff.Policy)
	assert.Equal(t, 2*time.Second, cfg.Backoff.BaseDelay)
	assert.True(t, cfg.Sandbox.Enabled)
	assert.Equal(t, 2, cfg.Sandbox.MaxSandboxes)
	assert.Equal(t, float64(50), cfg.RateLimit.JobsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)

	// Untouched keys keep their defaults.
	assert.Equal(t, "default", cfg.QueueName)
	assert.Equal(t, 30, cfg.RetentionDays)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"sub-second lock ttl", func(c *Config) { c.LockTTL = 100 * time.Millisecond }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero max attempts", func(c *Config) { c.DefaultJobMaxAttempts = 0 }},
		{"backpressure above one", func(c *Config) { c.BackpressureThreshold = 1.5 }},
		{"unknown backoff policy", func(c *Config) { c.Backoff.Policy = "random" }},
		{"sandbox without slots", func(c *Config) {
			c.Sandbox.Enabled = true
			c.Sandbox.MaxSandboxes = 0
		}},
		{"rate limit without burst", func(c *Config) {
			c.RateLimit.JobsPerSecond = 10
			c.RateLimit.Burst = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
