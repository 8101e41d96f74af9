// Package config loads the perfscan configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/perfscan/internal/errors"
)

// Config represents the complete perfscan configuration.
type Config struct {
	// Database configures the relational backend.
	Database DatabaseConfig `yaml:"database"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Ingest configures the ingestion pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Export configures Parquet export.
	Export ExportConfig `yaml:"export"`
}

// DatabaseConfig configures the relational backend.
type DatabaseConfig struct {
	// Driver is the database driver: duckdb or postgres.
	Driver string `yaml:"driver"`

	// DSN is the driver connection string. For duckdb an empty DSN
	// means an in-memory database.
	DSN string `yaml:"dsn"`

	// MaxOpenConns limits open connections. Zero keeps the driver
	// default.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns limits idle connections.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime bounds connection reuse.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON.
	JSON bool `yaml:"json"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// Bulk drops secondary indexes for the duration of a load.
	Bulk bool `yaml:"bulk"`
}

// ExportConfig configures Parquet export.
type ExportConfig struct {
	// Dir is the output directory.
	Dir string `yaml:"dir"`

	// Compression is the column compression: zstd, snappy, gzip, none.
	Compression string `yaml:"compression"`

	// Workers bounds concurrent per-algorithm writers.
	Workers int `yaml:"workers"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "duckdb",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Export: ExportConfig{
			Dir:         "export",
			Compression: "zstd",
		},
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "duckdb", "postgres":
	default:
		return errors.Wrapf(errors.ErrInvalidConfig, "unknown database driver %q", c.Database.Driver)
	}

	switch c.Export.Compression {
	case "", "zstd", "snappy", "gzip", "none":
	default:
		return errors.Wrapf(errors.ErrInvalidConfig, "unknown compression %q", c.Export.Compression)
	}

	if c.Export.Workers < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "negative export workers %d", c.Export.Workers)
	}

	return nil
}
