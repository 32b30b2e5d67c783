package config

import (
	"fmt"
	"slices"
	"sort"

	"isokb/internal/logging"
)

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level,omitempty"`   // debug, info, warn, error
	Format    string `yaml:"format" json:"format,omitempty"` // json, console
	DebugMode bool   `yaml:"debug_mode" json:"debug_mode,omitempty"`

	// Categories switches individual subsystem loggers off (or back on) while
	// debug_mode is set. Unlisted categories log.
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`
}

// unknownCategories returns configured category names no subsystem logs
// under, sorted.
func (c *LoggingConfig) unknownCategories() []string {
	var unknown []string
	for name := range c.Categories {
		if !slices.Contains(logging.Categories, logging.Category(name)) {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func (c *LoggingConfig) validate() error {
	if unknown := c.unknownCategories(); len(unknown) > 0 {
		return fmt.Errorf("unknown logging categories %v (valid: %v)", unknown, logging.Categories)
	}
	return nil
}

// Options converts the config for logging.Initialize.
func (c *LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		DebugMode:  c.DebugMode,
		Categories: c.Categories,
	}
}
