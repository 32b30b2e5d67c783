package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"isokb/internal/logging"
	"isokb/internal/notebook"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd executes a notebook once
var runCmd = &cobra.Command{
	Use:   "run <notebook.yaml>",
	Short: "Run every cell of a notebook",
	Long: `Runs the cells of a notebook in order and prints their results.
Cells sharing a session label build on each other's knowledge base.

Example:
  isokb run family.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runNotebook,
}

// watchCmd re-runs a notebook whenever it changes
var watchCmd = &cobra.Command{
	Use:   "watch <notebook.yaml>",
	Short: "Re-run a notebook every time the file is saved",
	Long: `Runs the notebook, then watches the file and re-runs it on every
save. Each run starts from fresh sessions; nothing from the previous run
is visible. Stop with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: watchNotebook,
}

func runNotebook(cmd *cobra.Command, args []string) error {
	nb, err := notebook.Load(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	m := newManager()
	defer m.Close(context.Background())
	runner := notebook.NewRunner(m,
		notebook.WithLogger(logging.Get(logging.CategoryNotebook)),
		notebook.WithMaxParallel(cfg.Notebook.MaxParallelCells))
	defer runner.Reset(context.Background())

	results, err := runner.Run(ctx, nb)
	if rerr := notebook.Render(cmd.OutOrStdout(), results); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cells failed", failed, len(results))
	}
	return nil
}

func watchNotebook(cmd *cobra.Command, args []string) error {
	path := args[0]
	debounce, err := cfg.WatchDebounce()
	if err != nil {
		return err
	}

	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := newManager()
	defer m.Close(context.Background())
	log := logging.Get(logging.CategoryNotebook)
	runner := notebook.NewRunner(m,
		notebook.WithLogger(log),
		notebook.WithMaxParallel(cfg.Notebook.MaxParallelCells))
	defer runner.Reset(context.Background())

	out := cmd.OutOrStdout()
	return notebook.Watch(ctx, path, debounce, log, func(ctx context.Context) {
		if err := runner.Reset(ctx); err != nil {
			log.Warn("reset before re-run failed", zap.Error(err))
		}
		if n, err := m.Reclaim(ctx); err != nil {
			log.Warn("reclaim failed", zap.Error(err))
		} else if n > 0 {
			log.Info("reclaimed leaked namespaces", zap.Int("count", n))
		}

		nb, err := notebook.Load(path)
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		results, err := runner.Run(ctx, nb)
		_ = notebook.Render(out, results)
		if err != nil {
			fmt.Fprintln(out, err)
		}
	})
}
