package config

import (
	"fmt"
	"time"
)

// PermissionMode selects how the permission engine treats tool invocations
// that are not already covered by an allow-list entry.
type PermissionMode string

const (
	ModeDefault    PermissionMode = "default"
	ModeSafe       PermissionMode = "safe"
	ModeBypass     PermissionMode = "bypass"
	ModeRestricted PermissionMode = "restricted"
)

// RetryConfig bounds the model transport's retry/backoff behaviour.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterCap   time.Duration `yaml:"jitter_cap"`
}

// Config holds the values the core receives already resolved by its host
// application: permission mode, tool list, concurrency cap, retry/backoff
// bounds, timeouts, and the location of persisted allow-list state.
//
// Config is assembled once at startup via Load and passed down into the
// agent query loop; it is never re-read mid-turn.
type Config struct {
	PermissionMode PermissionMode `yaml:"permission_mode"`
	SafeMode       bool           `yaml:"safe_mode"`

	Tools []string `yaml:"tools"`

	// ConcurrencyCap bounds the number of tool tasks run in parallel within
	// one dispatched group. Clamped to [1, 20]; zero means "use default".
	ConcurrencyCap int `yaml:"concurrency_cap"`

	Retry RetryConfig `yaml:"retry"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`

	// AllowListPath is the path to the per-project persisted allow-list
	// JSON file.
	AllowListPath string `yaml:"allow_list_path"`

	// JournalPath is the path to the runtime event journal (JSON-Lines,
	// rotated when it exceeds JournalMaxBytes).
	JournalPath     string `yaml:"journal_path"`
	JournalMaxBytes int64  `yaml:"journal_max_bytes"`
}

const (
	defaultConcurrencyCap    = 4
	minConcurrencyCap        = 1
	maxConcurrencyCap        = 20
	defaultRequestTimeout    = 90 * time.Second
	defaultStreamIdleTimeout = 90 * time.Second
	defaultJournalMaxBytes   = 4 * 1024 * 1024
	defaultRetryMaxAttempts  = 3
	defaultRetryBaseDelay    = 500 * time.Millisecond
	defaultRetryMaxDelay     = 10 * time.Second
	defaultRetryJitterCap    = 250 * time.Millisecond
)

// Load reads and resolves a config file at path, applying $include
// directives and defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PermissionMode == "" {
		c.PermissionMode = ModeDefault
	}
	if c.ConcurrencyCap == 0 {
		c.ConcurrencyCap = defaultConcurrencyCap
	}
	if c.ConcurrencyCap < minConcurrencyCap {
		c.ConcurrencyCap = minConcurrencyCap
	}
	if c.ConcurrencyCap > maxConcurrencyCap {
		c.ConcurrencyCap = maxConcurrencyCap
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.StreamIdleTimeout == 0 {
		c.StreamIdleTimeout = defaultStreamIdleTimeout
	}
	if c.JournalMaxBytes == 0 {
		c.JournalMaxBytes = defaultJournalMaxBytes
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = defaultRetryBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = defaultRetryMaxDelay
	}
	if c.Retry.JitterCap == 0 {
		c.Retry.JitterCap = defaultRetryJitterCap
	}
}

func (c *Config) validate() error {
	switch c.PermissionMode {
	case ModeDefault, ModeSafe, ModeBypass, ModeRestricted:
	default:
		return fmt.Errorf("unknown permission mode %q", c.PermissionMode)
	}
	if c.AllowListPath == "" {
		return fmt.Errorf("allow_list_path is required")
	}
	return nil
}
