package tracer

import (
	"errors"
	"fmt"

	"github.com/kernmlops/kerntrace/internal/probe"
)

// Config configures the kernel boundary.
type Config struct {
	// ObjectPath is the compiled BPF ELF object.
	ObjectPath string `yaml:"object_path"`
	// PerfBufferPages is the per-CPU perf buffer size in pages.
	PerfBufferPages int `yaml:"perf_buffer_pages"`
	// Families lists the enabled probe families. Empty enables all.
	Families []string `yaml:"families"`
	// BranchOffsets overrides interior branch offsets, keyed by
	// "symbol/branch".
	BranchOffsets map[string]uint64 `yaml:"branch_offsets"`
	// CapturePath, when set, records every raw firing to a file.
	CapturePath string `yaml:"capture_path"`
}

// DefaultConfig returns the default tracer configuration.
func DefaultConfig() Config {
	return Config{
		ObjectPath:      "/usr/lib/kerntrace/kerntrace.bpf.o",
		PerfBufferPages: 64,
	}
}

// EnabledFamilies resolves the configured family names.
func (c *Config) EnabledFamilies() ([]probe.Family, error) {
	if len(c.Families) == 0 {
		return probe.AllFamilies(), nil
	}

	seen := make(map[probe.Family]bool, len(c.Families))
	out := make([]probe.Family, 0, len(c.Families))

	for _, name := range c.Families {
		f, err := probe.ParseFamily(name)
		if err != nil {
			return nil, err
		}

		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}

	return out, nil
}

// Validate checks the tracer configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.ObjectPath == "" {
		errs = append(errs, errors.New("object_path is required"))
	}

	if c.PerfBufferPages <= 0 || c.PerfBufferPages&(c.PerfBufferPages-1) != 0 {
		errs = append(errs, fmt.Errorf("perf_buffer_pages must be a positive power of two, got %d", c.PerfBufferPages))
	}

	families, err := c.EnabledFamilies()
	if err != nil {
		errs = append(errs, err)
	} else if _, err := Plan(families, c.BranchOffsets); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
