package pid

import (
	"fmt"
	"time"
)

// Config holds configuration for workload discovery. When neither
// ProcessNames nor CgroupPath is set, no workload filter is applied and
// every process is traced.
type Config struct {
	// ProcessNames is a list of process names to discover by scanning
	// /proc, as they appear in /proc/<pid>/comm. E.g. ["memcached",
	// "redis-server", "mongod"].
	ProcessNames []string `yaml:"process_names"`

	// CgroupPath is the cgroup v2 path containing the workload, e.g.
	// "/sys/fs/cgroup/benchmark.slice".
	CgroupPath string `yaml:"cgroup_path"`

	// RefreshInterval is how often the tracked PID set is rediscovered.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DefaultConfig returns a configuration with filtering disabled.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 10 * time.Second,
	}
}

// Enabled reports whether a workload filter is configured.
func (c *Config) Enabled() bool {
	return len(c.ProcessNames) > 0 || c.CgroupPath != ""
}

// Validate checks the discovery configuration.
func (c *Config) Validate() error {
	if c.Enabled() && c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive when a workload filter is set")
	}

	for _, n := range c.ProcessNames {
		// /proc/<pid>/comm is truncated to TASK_COMM_LEN-1.
		if len(n) > 15 {
			return fmt.Errorf("process name %q exceeds 15 characters and can never match", n)
		}
	}

	return nil
}
