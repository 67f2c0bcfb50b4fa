package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kernmlops/kerntrace/internal/export"
	"github.com/kernmlops/kerntrace/internal/pid"
	"github.com/kernmlops/kerntrace/internal/probe"
	"github.com/kernmlops/kerntrace/internal/sink"
	"github.com/kernmlops/kerntrace/internal/tracer"
)

// Config is the top-level configuration for the kerntrace agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Session sizes the correlation stores and event channels.
	Session probe.Config `yaml:"session"`

	// Tracer configures BPF loading and attachment.
	Tracer tracer.Config `yaml:"tracer"`

	// PID configures workload discovery. Leaving it empty traces every
	// process.
	PID pid.Config `yaml:"pid"`

	// Sinks configures data export sinks.
	Sinks sink.Config `yaml:"sinks"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// StatsInterval is how often session counters are published as
	// metrics. Defaults to 10s.
	StatsInterval time.Duration `yaml:"stats_interval"`

	// ClockInterval is how often the monotonic to wall-clock offset is
	// recalibrated. Defaults to 1m.
	ClockInterval time.Duration `yaml:"clock_interval"`

	// AutoMigrate applies the ClickHouse schema before the raw sink
	// starts.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		Session:       probe.DefaultConfig(),
		Tracer:        tracer.DefaultConfig(),
		PID:           pid.DefaultConfig(),
		Sinks:         sink.DefaultConfig(),
		StatsInterval: 10 * time.Second,
		ClockInterval: time.Minute,
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}

	if err := c.Tracer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}

	if err := c.PID.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pid: %w", err))
	}

	if err := c.Sinks.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.StatsInterval <= 0 {
		errs = append(errs, errors.New("stats_interval must be positive"))
	}

	if c.ClockInterval <= 0 {
		errs = append(errs, errors.New("clock_interval must be positive"))
	}

	if c.AutoMigrate && !c.Sinks.Raw.Enabled {
		errs = append(errs, errors.New("auto_migrate requires sinks.raw to be enabled"))
	}

	return errors.Join(errs...)
}
