package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"isokb/internal/config"
	"isokb/internal/engine"
	"isokb/internal/logging"
	"isokb/internal/metrics"
	"isokb/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	metricsAddr string
	timeout     time.Duration

	// Set up by PersistentPreRunE
	cfg           *config.Config
	logger        *zap.Logger
	registry      *prometheus.Registry
	metricsServer *metricsEndpoint

	// Collectors registered with registry; one set per registry.
	metricsMu  sync.Mutex
	metricsReg *prometheus.Registry
	collectors *metrics.Metrics
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "isokb",
	Short: "isokb - isolated knowledge-base sessions over Google Mangle",
	Long: `isokb runs many logically separate knowledge bases on one shared
Google Mangle (Datalog) engine. Facts, rules and queries of one session
are never visible to another.

Notebooks are YAML files of cells; each cell loads clauses into a labeled
session and runs queries against it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
			cfg.Logging.DebugMode = true
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Initialize(cfg.Logging.Options()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.Get(logging.CategoryBoot)

		registry = prometheus.NewRegistry()
		if cfg.Metrics.Addr != "" {
			metricsServer, err = startMetrics(cfg.Metrics.Addr, registry)
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		defer logging.Sync()
		if metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := metricsServer.Shutdown(ctx)
			metricsServer = nil
			return err
		}
		return nil
	},
}

// newManager builds the session manager for one command invocation.
func newManager() *session.Manager {
	mt := commandMetrics()
	h := engine.New(cfg.Engine,
		engine.WithLogger(logging.Get(logging.CategoryEngine)),
		engine.WithMetrics(mt))
	return session.NewManager(h,
		session.WithConfig(session.Config{
			ReclaimStaleLabels: cfg.Session.ReclaimStaleLabels,
			DefaultQueryLimit:  cfg.Session.DefaultQueryLimit,
		}),
		session.WithLogger(logging.Get(logging.CategorySession)),
		session.WithRegistryLogger(logging.Get(logging.CategoryRegistry)),
		session.WithMetrics(mt))
}

// commandMetrics returns the collectors for the current registry,
// registering them on first use.
func commandMetrics() *metrics.Metrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if collectors == nil || metricsReg != registry {
		collectors = metrics.New(registry)
		metricsReg = registry
	}
	return collectors
}

// commandContext bounds a command by the --timeout flag.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(baseCtx)
	}
	return context.WithTimeout(baseCtx, timeout)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "isokb.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (or set ISOKB_METRICS_ADDR)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout (0 disables)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
