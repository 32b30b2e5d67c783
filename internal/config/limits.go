package config

import (
	"fmt"
	"time"
)

// ValidateLimits checks that engine and session limits are within
// acceptable ranges. Zero disables a limit.
func (c *Config) ValidateLimits() error {
	if c.Engine.FactLimit < 0 {
		return fmt.Errorf("engine.fact_limit must be >= 0")
	}
	if c.Engine.DerivedFactLimit < 0 {
		return fmt.Errorf("engine.derived_fact_limit must be >= 0")
	}
	if c.Session.DefaultQueryLimit < 0 {
		return fmt.Errorf("session.default_query_limit must be >= 0")
	}
	return nil
}

// WatchDebounce returns the notebook watch debounce as a duration.
func (c *Config) WatchDebounce() (time.Duration, error) {
	if c.Notebook.WatchDebounce == "" {
		return 200 * time.Millisecond, nil
	}
	d, err := time.ParseDuration(c.Notebook.WatchDebounce)
	if err != nil {
		return 0, fmt.Errorf("invalid notebook.watch_debounce %q: %w", c.Notebook.WatchDebounce, err)
	}
	return d, nil
}
