package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full application configuration, loaded from a YAML file
// with environment overrides applied on top.
type Config struct {
	// Targets are the URLs to monitor and repair
	Targets []string `yaml:"targets"`

	// LogLevel controls logging verbosity
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	Browser    BrowserConfig    `yaml:"browser"`
	Detector   DetectorConfig   `yaml:"detector"`
	Repair     RepairConfig     `yaml:"repair"`
	Validation ValidationConfig `yaml:"validation"`
	Loop       LoopConfig       `yaml:"loop"`
	Storage    StorageConfig    `yaml:"storage"`
	Control    ControlConfig    `yaml:"control"`
	Advisor    AdvisorConfig    `yaml:"advisor"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// BrowserConfig configures the automation driver
type BrowserConfig struct {
	// Headless runs the browser without a visible window
	// Default: true
	Headless bool `yaml:"headless"`

	// RemoteURL attaches to an already-running browser over the DevTools
	// protocol instead of launching one. Empty launches a local browser.
	RemoteURL string `yaml:"remote_url"`

	// NavigationTimeout bounds page navigation
	// Default: 30s
	NavigationTimeout Duration `yaml:"navigation_timeout"`
}

// DetectorConfig configures error detection
type DetectorConfig struct {
	// CheckInterval is how often each target is swept
	// Default: 10s
	CheckInterval Duration `yaml:"check_interval"`

	// MinSeverity filters out errors below this severity
	// Options: "low", "medium", "high", "critical"
	// Default: "low" (no filtering)
	MinSeverity string `yaml:"min_severity"`

	// ExcludePatterns drop errors whose message or source matches
	// (case-insensitive substring)
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// IncludePatterns, when non-empty, keep only matching errors
	IncludePatterns []string `yaml:"include_patterns"`

	// MaxRecentErrors caps the in-memory error list
	// Default: 200
	MaxRecentErrors int `yaml:"max_recent_errors"`

	// EventsPerSecond bounds how many page events are processed, guarding
	// against error floods
	// Default: 50
	EventsPerSecond int `yaml:"events_per_second"`
}

// RepairConfig configures the repair engine
type RepairConfig struct {
	// MaxConcurrentRepairs bounds how many repair sessions run at once
	// Default: 3
	MaxConcurrentRepairs int `yaml:"max_concurrent_repairs"`

	// MaxAttempts caps attempts per repair session
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the delay before a failed session is re-queued
	// Default: 5s
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// ValidationConfig configures post-repair validation
type ValidationConfig struct {
	// TestTimeout bounds each validation test
	// Default: 10s
	TestTimeout Duration `yaml:"test_timeout"`

	// PassThreshold is the overall score a report needs to pass
	// Default: 80
	PassThreshold float64 `yaml:"pass_threshold"`
}

// LoopConfig configures the control loop and its termination policy
type LoopConfig struct {
	// MaxIterations caps the number of loop iterations
	// Default: 50
	MaxIterations int `yaml:"max_iterations"`

	// IterationDelay is the sleep between iterations
	// Default: 30s
	IterationDelay Duration `yaml:"iteration_delay"`

	// ObservationWindow is how long each iteration watches for errors
	// before collecting them
	// Default: 10s
	ObservationWindow Duration `yaml:"observation_window"`

	// RepairWait bounds the per-error wait for repair completion
	// Default: 30s
	RepairWait Duration `yaml:"repair_wait"`

	// SuccessThreshold is the number of consecutive zero-error iterations
	// that ends the session successfully
	// Default: 3
	SuccessThreshold int `yaml:"success_threshold"`

	// ErrorThreshold allows early success when the current iteration has
	// at most this many errors and a health score of 90 or better
	// Default: 0
	ErrorThreshold int `yaml:"error_threshold"`

	// MaxConsecutiveFailures ends the session after this many failed
	// iterations in a row
	// Default: 3
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// MaxTotalRuntime is the wall-clock bound for the whole session
	// Default: 30m
	MaxTotalRuntime Duration `yaml:"max_total_runtime"`

	// MaxErrorsPerIteration triggers an emergency stop when a single
	// iteration detects more errors than this
	// Default: 20
	MaxErrorsPerIteration int `yaml:"max_errors_per_iteration"`

	// MaxSameErrorRepeats triggers an emergency stop when one error
	// message repeats more than this many times across the session
	// Default: 5
	MaxSameErrorRepeats int `yaml:"max_same_error_repeats"`

	// MaxRepairAttempts triggers an emergency stop when cumulative repair
	// attempts across the session exceed this
	// Default: 50
	MaxRepairAttempts int `yaml:"max_repair_attempts"`
}

// StorageConfig configures the report sink database
type StorageConfig struct {
	// Path is the sqlite database file. Empty disables persistence.
	// Default: "pagemend.db"
	Path string `yaml:"path"`

	// ReportDir is where final JSON/Markdown reports are written
	// Default: "reports"
	ReportDir string `yaml:"report_dir"`
}

// ControlConfig configures the local control socket
type ControlConfig struct {
	// SocketPath is the unix socket for status/stop commands.
	// Empty disables the control server.
	SocketPath string `yaml:"socket_path"`
}

// AdvisorConfig configures the optional AI repair advisor
type AdvisorConfig struct {
	// Enabled turns on advisory suggestions for errors with no matching
	// repair strategy. Requires ANTHROPIC_API_KEY.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Model is the model used for suggestions
	Model string `yaml:"model"`
}

// NotifyConfig configures alert delivery
type NotifyConfig struct {
	// WebhookURL, when set, receives JSON alerts for emergency stops and
	// session completion. Empty logs alerts locally only.
	WebhookURL string `yaml:"webhook_url"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Browser: BrowserConfig{
			Headless:          true,
			NavigationTimeout: Duration(30 * time.Second),
		},
		Detector: DetectorConfig{
			CheckInterval:   Duration(10 * time.Second),
			MinSeverity:     "low",
			MaxRecentErrors: 200,
			EventsPerSecond: 50,
		},
		Repair: RepairConfig{
			MaxConcurrentRepairs: 3,
			MaxAttempts:          3,
			RetryBackoff:         Duration(5 * time.Second),
		},
		Validation: ValidationConfig{
			TestTimeout:   Duration(10 * time.Second),
			PassThreshold: 80,
		},
		Loop: LoopConfig{
			MaxIterations:          50,
			IterationDelay:         Duration(30 * time.Second),
			ObservationWindow:      Duration(10 * time.Second),
			RepairWait:             Duration(30 * time.Second),
			SuccessThreshold:       3,
			ErrorThreshold:         0,
			MaxConsecutiveFailures: 3,
			MaxTotalRuntime:        Duration(30 * time.Minute),
			MaxErrorsPerIteration:  20,
			MaxSameErrorRepeats:    5,
			MaxRepairAttempts:      50,
		},
		Storage: StorageConfig{
			Path:      "pagemend.db",
			ReportDir: "reports",
		},
		Advisor: AdvisorConfig{
			Model: "claude-sonnet-4-5",
		},
	}
}

// Load reads a YAML config file, layers it over the defaults, applies
// environment overrides, and validates the result. An empty path returns
// the defaults (plus env overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides. Only settings that are
// useful to flip without editing the file are exposed this way.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAGEMEND_TARGET"); v != "" {
		c.Targets = []string{v}
	}
	if v := os.Getenv("PAGEMEND_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PAGEMEND_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PAGEMEND_SOCKET"); v != "" {
		c.Control.SocketPath = v
	}
	if v := os.Getenv("PAGEMEND_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error (got %q)", c.LogLevel)
	}

	switch c.Detector.MinSeverity {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("detector.min_severity must be low, medium, high, or critical (got %q)",
			c.Detector.MinSeverity)
	}
	if c.Detector.CheckInterval.Std() < time.Second {
		return fmt.Errorf("detector.check_interval must be at least 1s (got %s)",
			c.Detector.CheckInterval.Std())
	}
	if c.Detector.EventsPerSecond < 1 {
		return fmt.Errorf("detector.events_per_second must be positive (got %d)",
			c.Detector.EventsPerSecond)
	}

	if c.Repair.MaxConcurrentRepairs < 1 || c.Repair.MaxConcurrentRepairs > 32 {
		return fmt.Errorf("repair.max_concurrent_repairs must be between 1 and 32 (got %d)",
			c.Repair.MaxConcurrentRepairs)
	}
	if c.Repair.MaxAttempts < 1 || c.Repair.MaxAttempts > 10 {
		return fmt.Errorf("repair.max_attempts must be between 1 and 10 (got %d)",
			c.Repair.MaxAttempts)
	}

	if c.Validation.PassThreshold < 0 || c.Validation.PassThreshold > 100 {
		return fmt.Errorf("validation.pass_threshold must be between 0 and 100 (got %v)",
			c.Validation.PassThreshold)
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be positive (got %d)", c.Loop.MaxIterations)
	}
	if c.Loop.SuccessThreshold < 1 {
		return fmt.Errorf("loop.success_threshold must be positive (got %d)", c.Loop.SuccessThreshold)
	}
	if c.Loop.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("loop.max_consecutive_failures must be positive (got %d)",
			c.Loop.MaxConsecutiveFailures)
	}
	if c.Loop.MaxTotalRuntime.Std() < time.Minute {
		return fmt.Errorf("loop.max_total_runtime must be at least 1m (got %s)",
			c.Loop.MaxTotalRuntime.Std())
	}
	if c.Loop.MaxErrorsPerIteration < 1 {
		return fmt.Errorf("loop.max_errors_per_iteration must be positive (got %d)",
			c.Loop.MaxErrorsPerIteration)
	}

	return nil
}

// Write serializes the configuration to a YAML file, used by init to
// produce a starting config.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
