package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/retention"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete positions older than the retention horizon and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// One-shot runs do not export metrics
			m := metrics.NewUnregistered()
			scheduler := retention.NewScheduler(store, cfg.Storage.PruneInterval(), m, log)

			result, err := scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("Deleted %d positions in %d batches (%s)\n", result.Deleted, result.Batches, result.Duration)
			log.Info("Prune complete",
				logger.Int64("deleted", result.Deleted),
				logger.Int("batches", result.Batches))
			return nil
		},
	}
}
