package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	httpexport "github.com/kernmlops/kerntrace/internal/export/http"
	"github.com/kernmlops/kerntrace/internal/probe"
)

// Config holds configuration for all sinks.
type Config struct {
	Raw    RawConfig    `yaml:"raw"`
	Window WindowConfig `yaml:"window"`
}

// DefaultConfig returns a Config with the window sink enabled and the
// raw sink disabled.
func DefaultConfig() Config {
	return Config{
		Raw: RawConfig{
			HTTP: httpexport.DefaultConfig(),
		},
		Window: WindowConfig{
			Enabled:  true,
			Interval: defaultWindowInterval,
		},
	}
}

// Validate checks the configuration of every enabled sink.
func (c *Config) Validate() error {
	var errs []error

	if c.Raw.Enabled {
		if c.Raw.ClickHouse.Endpoint == "" {
			errs = append(errs, errors.New("sinks.raw.clickhouse.endpoint is required when the raw sink is enabled"))
		}

		if err := c.Raw.HTTP.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sinks.raw.http: %w", err))
		}
	}

	if c.Window.Enabled && c.Window.Interval < 0 {
		errs = append(errs, errors.New("sinks.window.interval must not be negative"))
	}

	return errors.Join(errs...)
}

// Sink defines the interface for event consumers.
type Sink interface {
	// Name returns the sink's name for logging.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop flushes and shuts down the sink.
	Stop() error
	// HandleEvent processes a single correlated event. It must not block.
	HandleEvent(event probe.Event)
}

// WallClock maps kernel monotonic timestamps to wall-clock time.
type WallClock interface {
	WallTime(monoNs uint64) time.Time
}
