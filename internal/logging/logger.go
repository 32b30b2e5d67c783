// Package logging provides config-driven categorized logging for isokb.
// Every subsystem logs through a named zap logger obtained with Get.
// Logging is controlled by debug_mode: when false, category loggers are
// no-ops and only the CLI's own error reporting reaches the user.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and configuration
	CategoryEngine   Category = "engine"   // Mangle engine primitives and evaluation
	CategorySession  Category = "session"  // Session creation and disposal
	CategoryRegistry Category = "registry" // Namespace allocation and registry transitions
	CategoryNotebook Category = "notebook" // Notebook cell execution
	CategoryMetrics  Category = "metrics"  // Metrics endpoint
)

// Categories lists every known category.
var Categories = []Category{
	CategoryBoot,
	CategoryEngine,
	CategorySession,
	CategoryRegistry,
	CategoryNotebook,
	CategoryMetrics,
}

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string
	Format     string // json or console
	DebugMode  bool
	Categories map[string]bool
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	opts    Options
	loggers = make(map[Category]*zap.Logger)
)

// Build constructs the root zap logger for opts. Output goes to stderr so
// that command output on stdout stays machine-readable.
func Build(o Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(o.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.Level, err)
	}

	var zc zap.Config
	switch defaultString(o.Format, "console") {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "text":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", o.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = !o.DebugMode
	return zc.Build()
}

// Initialize builds the root logger from opts and installs it.
func Initialize(o Options) error {
	l, err := Build(o)
	if err != nil {
		return err
	}
	Replace(l, o)
	Get(CategoryBoot).Debug("logging initialized",
		zap.String("level", o.Level),
		zap.String("format", o.Format),
		zap.Int("categories_configured", len(o.Categories)))
	return nil
}

// Replace installs l as the root logger. Tests use it with an observer core.
func Replace(l *zap.Logger, o Options) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
	opts = o
	loggers = make(map[Category]*zap.Logger)
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns the named logger for category, or a no-op logger when the
// category is disabled.
func Get(category Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := zap.NewNop()
	if categoryEnabledLocked(category) {
		l = root.Named(string(category))
	}
	loggers[category] = l
	return l
}

// Sync flushes the root logger.
func Sync() {
	mu.RLock()
	l := root
	mu.RUnlock()
	_ = l.Sync()
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
