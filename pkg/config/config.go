package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/types"
)

// Config holds the engine configuration recognized at the core boundary.
type Config struct {
	// DataDir is where the bbolt database lives.
	DataDir string `yaml:"dataDir"`

	// QueueName is the default queue workers poll.
	QueueName string `yaml:"queueName"`

	// MaxConcurrency bounds parallel jobs per worker.
	MaxConcurrency int `yaml:"maxConcurrency"`

	// LockTTL is the default lock duration. Renewal interval is half of it.
	LockTTL time.Duration `yaml:"lockTTL"`

	// PollInterval is the queue poll cadence.
	PollInterval time.Duration `yaml:"pollInterval"`

	// DefaultJobMaxAttempts applies to jobs submitted without MaxAttempts.
	DefaultJobMaxAttempts int `yaml:"defaultJobMaxAttempts"`

	// JobTimeout bounds a single executor invocation; zero disables.
	JobTimeout time.Duration `yaml:"jobTimeout"`

	Backoff BackoffConfig `yaml:"backoff"`

	// BackpressureThreshold is the queue-fill fraction above which
	// submissions wait; MaxQueueSize is the hard cap (0 = unbounded).
	BackpressureThreshold float64 `yaml:"backpressureThreshold"`
	MaxQueueSize          int     `yaml:"maxQueueSize"`

	Sandbox SandboxConfig `yaml:"sandbox"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// RetentionDays bounds how long execution logs and schedule history
	// are kept.
	RetentionDays int `yaml:"retentionDays"`

	// OrphanTimeout is how long an executing job may go without an update
	// before recovery resets it.
	OrphanTimeout time.Duration `yaml:"orphanTimeout"`
}

// BackoffConfig selects the retry delay policy for failed jobs and nodes.
type BackoffConfig struct {
	Policy    types.BackoffPolicy `yaml:"policy"`
	BaseDelay time.Duration       `yaml:"baseDelay"`
	MaxDelay  time.Duration       `yaml:"maxDelay"`
}

// RateLimitConfig throttles job dispatch across the worker pool.
// Disabled when JobsPerSecond is zero.
type RateLimitConfig struct {
	JobsPerSecond float64 `yaml:"jobsPerSecond"`
	Burst         int     `yaml:"burst"`
}

// SandboxConfig controls the optional out-of-process executor host.
type SandboxConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxSandboxes      int           `yaml:"maxSandboxes"`
	MaxJobsPerSandbox int           `yaml:"maxJobsPerSandbox"`
	Timeout           time.Duration `yaml:"timeout"`
	WorkerPath        string        `yaml:"workerPath"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		DataDir:               "/var/lib/loom",
		QueueName:             "default",
		MaxConcurrency:        10,
		LockTTL:               30 * time.Second,
		PollInterval:          500 * time.Millisecond,
		DefaultJobMaxAttempts: 3,
		JobTimeout:            5 * time.Minute,
		Backoff: BackoffConfig{
			Policy:    types.BackoffExponential,
			BaseDelay: time.Second,
			MaxDelay:  5 * time.Minute,
		},
		BackpressureThreshold: 0.8,
		MaxQueueSize:          0,
		Sandbox: SandboxConfig{
			Enabled:           false,
			MaxSandboxes:      4,
			MaxJobsPerSandbox: 100,
			Timeout:           2 * time.Minute,
		},
		RetentionDays: 30,
		OrphanTimeout: 10 * time.Minute,
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges on the loaded configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("maxConcurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.LockTTL < time.Second {
		return fmt.Errorf("lockTTL must be >= 1s, got %v", c.LockTTL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be positive, got %v", c.PollInterval)
	}
	if c.DefaultJobMaxAttempts < 1 {
		return fmt.Errorf("defaultJobMaxAttempts must be >= 1, got %d", c.DefaultJobMaxAttempts)
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold > 1 {
		return fmt.Errorf("backpressureThreshold must be in (0,1], got %v", c.BackpressureThreshold)
	}
	switch c.Backoff.Policy {
	case types.BackoffFixed, types.BackoffLinear, types.BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff policy: %s", c.Backoff.Policy)
	}
	if c.Sandbox.Enabled && c.Sandbox.MaxSandboxes < 1 {
		return fmt.Errorf("sandbox.maxSandboxes must be >= 1 when sandbox is enabled")
	}
	if c.RateLimit.JobsPerSecond > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rateLimit.burst must be >= 1 when rate limiting is enabled")
	}
	return nil
}
