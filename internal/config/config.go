package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"isokb/internal/engine"

	"gopkg.in/yaml.v3"
)

// Config holds all isokb configuration.
type Config struct {
	// Engine limits
	Engine engine.Config `yaml:"engine"`

	// Session creation policy
	Session SessionConfig `yaml:"session"`

	// Notebook runner
	Notebook NotebookConfig `yaml:"notebook"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	// ReclaimStaleLabels force-disposes a live session when a new one is
	// created with the same label.
	ReclaimStaleLabels bool `yaml:"reclaim_stale_labels"`

	// DefaultQueryLimit caps cursors created without an explicit limit.
	// Zero means unlimited.
	DefaultQueryLimit int `yaml:"default_query_limit"`
}

// NotebookConfig configures notebook execution.
type NotebookConfig struct {
	// MaxParallelCells bounds concurrently running parallel cells.
	MaxParallelCells int `yaml:"max_parallel_cells"`

	// WatchDebounce is how long watch mode waits for writes to settle.
	WatchDebounce string `yaml:"watch_debounce"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: engine.DefaultConfig(),

		Session: SessionConfig{
			ReclaimStaleLabels: true,
		},

		Notebook: NotebookConfig{
			MaxParallelCells: 4,
			WatchDebounce:    "200ms",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults still honor the environment.
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Unparseable
// numbers are ignored and the file value is kept.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("ISOKB_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("ISOKB_FACT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.FactLimit = n
		}
	}
	if v := os.Getenv("ISOKB_DERIVED_FACT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.DerivedFactLimit = n
		}
	}
	if addr := os.Getenv("ISOKB_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
	}
}

// ValidLogLevels lists the accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.ValidateLimits(); err != nil {
		return err
	}

	validLevel := false
	for _, l := range ValidLogLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}
	switch c.Logging.Format {
	case "json", "console", "text":
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Notebook.MaxParallelCells < 1 {
		return fmt.Errorf("notebook.max_parallel_cells must be >= 1")
	}
	if _, err := c.WatchDebounce(); err != nil {
		return err
	}
	return nil
}
