// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the aibridge gateway.
// It handles loading and parsing the YAML configuration file and provides
// structured access to resilience tunables: timeouts, retry limits, breaker
// thresholds, watchdog intervals, and resource pressure thresholds.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that accepts Go duration strings ("30s", "5m")
// in YAML, falling back to integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the gateway's configuration, loaded from a YAML file.
type Config struct {
	// Provider is the provider backend activated at startup.
	Provider string `yaml:"provider"`

	// Model is the model selector passed to the provider CLI.
	Model string `yaml:"model"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether logs go to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogDir is the directory for rotating log files.
	LogDir string `yaml:"log-dir"`

	// TempDir is the scratch directory purged by disk remediation.
	TempDir string `yaml:"temp-dir"`

	// Admin configures the local admin/health HTTP API.
	Admin AdminConfig `yaml:"admin"`

	// Session configures per-request and process-health timing.
	Session SessionConfig `yaml:"session"`

	// Retry configures the retry policy engine.
	Retry RetryConfig `yaml:"retry"`

	// Breaker configures the per-provider circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`

	// Quality configures session-reset thresholds.
	Quality QualityConfig `yaml:"quality"`

	// Auth configures the periodic authentication check.
	Auth AuthConfig `yaml:"auth"`

	// SelfHeal configures the watchdog loop.
	SelfHeal SelfHealConfig `yaml:"self-heal"`

	// ConfusionMarkers are phrases indicating the model failed to understand
	// a request rather than producing a substantive answer.
	ConfusionMarkers []string `yaml:"confusion-markers"`
}

// AdminConfig holds the admin API listener settings.
type AdminConfig struct {
	// Enabled toggles the admin HTTP server.
	Enabled bool `yaml:"enabled"`

	// Host is the bind interface. Defaults to loopback only.
	Host string `yaml:"host"`

	// Port is the listen port.
	Port int `yaml:"port"`
}

// SessionConfig holds per-request and session-health timing.
type SessionConfig struct {
	// RequestTimeout is the hard per-request deadline.
	RequestTimeout Duration `yaml:"request-timeout"`

	// StuckThreshold is how long stdout may stay silent while a request is
	// processing before the session is flagged stuck.
	StuckThreshold Duration `yaml:"stuck-threshold"`

	// HealthCheckInterval is how often the stuck detector runs.
	HealthCheckInterval Duration `yaml:"health-check-interval"`

	// ResponseBufferLimit caps the accumulated response buffer in bytes.
	ResponseBufferLimit int `yaml:"response-buffer-limit"`

	// ToolConfig is an optional path to a tool-configuration file (an MCP
	// server manifest) handed to providers that accept one.
	ToolConfig string `yaml:"tool-config"`

	// SettleDelay is the wait between stopping one backend and constructing
	// its replacement on provider/model switch.
	SettleDelay Duration `yaml:"settle-delay"`

	// CheckInInterval enables the proactive idle check-in beat when > 0.
	CheckInInterval Duration `yaml:"check-in-interval"`
}

// RetryConfig holds retry policy tunables.
type RetryConfig struct {
	// MaxRetries is the global attempt ceiling across all failure categories.
	MaxRetries int `yaml:"max-retries"`

	// BaseDelay is the unit for exponential backoff.
	BaseDelay Duration `yaml:"base-delay"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure-threshold"`
	SuccessThreshold int      `yaml:"success-threshold"`
	RecoveryTimeout  Duration `yaml:"recovery-timeout"`
}

// QualityConfig holds session-reset quality thresholds.
type QualityConfig struct {
	// ConsecutiveFailureLimit is the failure streak that forces a session
	// reset.
	ConsecutiveFailureLimit int `yaml:"consecutive-failure-limit"`

	// MinValidRate is the rolling-window success rate below which the
	// session is reset.
	MinValidRate float64 `yaml:"min-valid-rate"`
}

// AuthConfig holds the authentication gate settings.
type AuthConfig struct {
	// CheckInterval is how often the periodic auth check runs.
	CheckInterval Duration `yaml:"check-interval"`

	// CheckTimeout bounds each auth-status command invocation.
	CheckTimeout Duration `yaml:"check-timeout"`
}

// SelfHealConfig holds the watchdog settings.
type SelfHealConfig struct {
	// Interval is the watchdog tick period.
	Interval Duration `yaml:"interval"`

	// AlertCooldown is the per-alert-type notification window.
	AlertCooldown Duration `yaml:"alert-cooldown"`

	// RemediationCooldown is the per-trigger remediation window.
	RemediationCooldown Duration `yaml:"remediation-cooldown"`

	// MemoryWarnPercent and MemoryCriticalPercent are memory pressure
	// thresholds.
	MemoryWarnPercent     float64 `yaml:"memory-warn-percent"`
	MemoryCriticalPercent float64 `yaml:"memory-critical-percent"`

	// DiskWarnPercent and DiskCriticalPercent are disk usage thresholds.
	DiskWarnPercent     float64 `yaml:"disk-warn-percent"`
	DiskCriticalPercent float64 `yaml:"disk-critical-percent"`

	// LoadWarnPerCPU is the 1-minute load average per CPU that counts as
	// pressure.
	LoadWarnPerCPU float64 `yaml:"load-warn-per-cpu"`

	// PurgeMaxAge is the baseline age threshold for temp/log purges. It
	// tightens under critical disk pressure.
	PurgeMaxAge Duration `yaml:"purge-max-age"`

	// NetworkProbeAddr is the host:port dialed for the reachability check.
	// Empty disables the check.
	NetworkProbeAddr string `yaml:"network-probe-addr"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Provider:      "claude-cli",
		Model:         "",
		Debug:         false,
		LoggingToFile: false,
		LogDir:        "logs",
		TempDir:       os.TempDir(),
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8317,
		},
		Session: SessionConfig{
			RequestTimeout:      Duration(5 * time.Minute),
			StuckThreshold:      Duration(2 * time.Minute),
			HealthCheckInterval: Duration(30 * time.Second),
			ResponseBufferLimit: 1 << 20,
			SettleDelay:         Duration(500 * time.Millisecond),
			CheckInInterval:     0,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration(2 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  Duration(30 * time.Second),
		},
		Quality: QualityConfig{
			ConsecutiveFailureLimit: 3,
			MinValidRate:            0.5,
		},
		Auth: AuthConfig{
			CheckInterval: Duration(5 * time.Minute),
			CheckTimeout:  Duration(10 * time.Second),
		},
		SelfHeal: SelfHealConfig{
			Interval:              Duration(time.Minute),
			AlertCooldown:         Duration(30 * time.Minute),
			RemediationCooldown:   Duration(5 * time.Minute),
			MemoryWarnPercent:     80,
			MemoryCriticalPercent: 92,
			DiskWarnPercent:       85,
			DiskCriticalPercent:   95,
			LoadWarnPerCPU:        2.0,
			PurgeMaxAge:           Duration(24 * time.Hour),
			NetworkProbeAddr:      "api.anthropic.com:443",
		},
		ConfusionMarkers: []string{
			"I'm not sure what you mean",
			"I don't understand",
			"Could you clarify",
			"I'm not sure I understand",
		},
	}
}

// Load reads the YAML configuration at path, overlaying it on the defaults.
// A missing file is not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
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

// Validate rejects settings the resilience core cannot run with.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider must not be empty")
	}
	if c.Session.RequestTimeout <= 0 {
		return fmt.Errorf("session.request-timeout must be positive")
	}
	if c.Session.StuckThreshold <= 0 {
		return fmt.Errorf("session.stuck-threshold must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max-retries must not be negative")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Quality.MinValidRate < 0 || c.Quality.MinValidRate > 1 {
		return fmt.Errorf("quality.min-valid-rate must be in [0, 1]")
	}
	return nil
}
