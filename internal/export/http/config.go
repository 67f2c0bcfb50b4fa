package http

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config configures NDJSON export of kernel events over HTTP.
type Config struct {
	// Enabled enables the HTTP exporter.
	Enabled bool `yaml:"enabled"`

	// Address is the HTTP endpoint batches are POSTed to.
	Address string `yaml:"address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib, snappy.
	// Defaults to gzip.
	Compression string `yaml:"compression"`

	// BatchSize is the maximum number of rows per request.
	// Defaults to 512.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is the maximum time a partial batch waits.
	// Defaults to 5s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds a single request.
	// Defaults to 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize is the number of rows buffered ahead of the
	// workers. Rows beyond it are dropped.
	// Defaults to 51200.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent senders.
	// Defaults to 1.
	Workers int `yaml:"workers"`

	// KeepAlive enables HTTP keep-alive connections.
	// Defaults to true.
	KeepAlive *bool `yaml:"keep_alive"`
}

// DefaultConfig returns a Config with defaults and export disabled.
func DefaultConfig() Config {
	keepAlive := true

	return Config{
		Compression:   CompressionGzip,
		BatchSize:     512,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
		MaxQueueSize:  51200,
		Workers:       1,
		KeepAlive:     &keepAlive,
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Address == "" {
		errs = append(errs, errors.New("http address is required when enabled"))
	} else if !strings.HasPrefix(c.Address, "http://") && !strings.HasPrefix(c.Address, "https://") {
		errs = append(errs, fmt.Errorf("http address %q must be an http(s) URL", c.Address))
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be greater than 0"))
	}

	if c.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("max_queue_size must be greater than 0"))
	}

	if c.BatchSize > c.MaxQueueSize {
		errs = append(errs, errors.New("batch_size cannot be greater than max_queue_size"))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be greater than 0"))
	}

	if c.Compression != "" {
		if _, ok := codecs[c.Compression]; !ok {
			errs = append(errs, fmt.Errorf(
				"invalid compression type %q (want one of %s)",
				c.Compression, strings.Join(Algorithms(), ", "),
			))
		}
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaults.BatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaults.ExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaults.MaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}

	if c.KeepAlive == nil {
		c.KeepAlive = defaults.KeepAlive
	}
}

// IsKeepAlive returns whether HTTP keep-alive is enabled.
func (c *Config) IsKeepAlive() bool {
	if c.KeepAlive == nil {
		return true
	}

	return *c.KeepAlive
}
