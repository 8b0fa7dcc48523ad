package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"IntelScanner/internal/app"
	"IntelScanner/internal/config"
	"IntelScanner/internal/logging"
)

var errCycleFailed = errors.New("cycle finished with failed stages")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var collectors []string
	load := func() config.Config {
		cfg := config.Load()
		if len(collectors) > 0 {
			cfg.Collection.Collectors = collectors
		}
		return cfg
	}

	root := &cobra.Command{
		Use:           "intelscanner",
		Short:         "Collects, scores and enriches geopolitical and market signals",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			if cfg.Scheduler.RunOnce {
				return runOnce(cmd.Context(), cfg)
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), load())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run exactly one full cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), load())
		},
	})
	root.PersistentFlags().StringSliceVar(&collectors, "collectors", nil,
		"run only the named collectors (websearch, feed, newsgraph, markets, newsapi)")
	return root
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := application.Run(ctx); err != nil {
		logger.Error("application stopped", "error", err)
		return err
	}
	return nil
}

func runOnce(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	report := application.RunOnce(ctx)
	for stage, counts := range report.Stages {
		logger.Info("stage summary", "stage", string(stage),
			"collected", counts.Collected, "inserted", counts.Inserted, "updated", counts.Updated, "skipped", counts.Skipped,
			"errors", counts.Errors, "filtered", counts.Filtered)
	}
	if report.HardErrors() {
		return fmt.Errorf("%w: %v", errCycleFailed, report.Failed)
	}
	return nil
}
