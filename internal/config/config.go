// Package config loads the repligrid configuration file. The triage
// thresholds, recovery grace period and placement cooldown are policy
// inputs, tunable per deployment rather than fixed constants.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so intervals are written in the config
// file as "30s" or "1h30m" rather than nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all repligrid configuration.
type Config struct {
	// Catalog settings
	Catalog CatalogConfig `yaml:"catalog"`

	// Triage pipeline policy
	Triage TriageConfig `yaml:"triage"`

	// Recovery stage policy
	Recovery RecoveryConfig `yaml:"recovery"`

	// Reconciliation policy
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Daemon harness defaults; per-daemon flags override these.
	Daemon DaemonConfig `yaml:"daemon"`
}

// CatalogConfig configures the SQLite catalog.
type CatalogConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

// TriageConfig configures transient-vs-confirmed classification.
type TriageConfig struct {
	// ConfirmationThreshold is the occurrence count at which a bad-PFN
	// declaration is classified confirmed-bad.
	ConfirmationThreshold int `yaml:"confirmation_threshold"`
	// OccurrenceWindow is the sliding window within which occurrences
	// accumulate; older counts are discarded.
	OccurrenceWindow Duration `yaml:"occurrence_window"`
	// UnavailableTTL bounds how long a transient classification keeps a
	// replica in TEMPORARY_UNAVAILABLE before re-check.
	UnavailableTTL Duration `yaml:"unavailable_ttl"`
	// LeaseTTL bounds how long a claimed declaration batch stays owned
	// by one worker before others may reclaim it.
	LeaseTTL Duration `yaml:"lease_ttl"`
}

// RecoveryConfig configures the permanent-loss recovery stage.
type RecoveryConfig struct {
	// GracePeriod is the minimum age of a BAD replica before recovery
	// touches it, avoiding races with triage re-classification.
	GracePeriod Duration `yaml:"grace_period"`
	// ExclusionCooldown keeps new placements of the same identifier off
	// the failed site for this window.
	ExclusionCooldown Duration `yaml:"exclusion_cooldown"`
	LeaseTTL          Duration `yaml:"lease_ttl"`
}

// ReconcileConfig configures the rule-reconciliation engine.
type ReconcileConfig struct {
	// RetryBudget is the per-request attempt limit before the owning
	// rule is surfaced as STUCK.
	RetryBudget int           `yaml:"retry_budget"`
	LeaseTTL    Duration `yaml:"lease_ttl"`
}

// DaemonConfig holds default harness parameters.
type DaemonConfig struct {
	Threads   int           `yaml:"threads"`
	Bulk      int           `yaml:"bulk"`
	SleepTime Duration `yaml:"sleep_time"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Path: "repligrid.db",
		},
		Triage: TriageConfig{
			ConfirmationThreshold: 5,
			OccurrenceWindow:      Duration(24 * time.Hour),
			UnavailableTTL:        Duration(3 * time.Hour),
			LeaseTTL:              Duration(10 * time.Minute),
		},
		Recovery: RecoveryConfig{
			GracePeriod:       Duration(time.Hour),
			ExclusionCooldown: Duration(12 * time.Hour),
			LeaseTTL:          Duration(10 * time.Minute),
		},
		Reconcile: ReconcileConfig{
			RetryBudget: 3,
			LeaseTTL:    Duration(10 * time.Minute),
		},
		Daemon: DaemonConfig{
			Threads:   4,
			Bulk:      100,
			SleepTime: Duration(30 * time.Second),
		},
	}
}

// Load reads the configuration file at path, layering it over defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemons cannot run with.
func (c *Config) Validate() error {
	if c.Triage.ConfirmationThreshold < 1 {
		return fmt.Errorf("triage.confirmation_threshold must be >= 1, got %d", c.Triage.ConfirmationThreshold)
	}
	if c.Triage.UnavailableTTL <= 0 {
		return fmt.Errorf("triage.unavailable_ttl must be positive")
	}
	if c.Recovery.GracePeriod < 0 {
		return fmt.Errorf("recovery.grace_period must not be negative")
	}
	if c.Reconcile.RetryBudget < 1 {
		return fmt.Errorf("reconcile.retry_budget must be >= 1, got %d", c.Reconcile.RetryBudget)
	}
	if c.Daemon.Threads < 1 {
		return fmt.Errorf("daemon.threads must be >= 1, got %d", c.Daemon.Threads)
	}
	if c.Daemon.Bulk < 1 {
		return fmt.Errorf("daemon.bulk must be >= 1, got %d", c.Daemon.Bulk)
	}
	return nil
}
