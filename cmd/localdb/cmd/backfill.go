package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/localdb-dev/localdb/internal/backfill"
	"github.com/localdb-dev/localdb/internal/cache"
	"github.com/localdb-dev/localdb/internal/errors"
	"github.com/localdb-dev/localdb/internal/ui"
)

// newBackfillCmd creates the backfill command: embed all pending chunks.
// Safe to interrupt and re-run; completed rows are never re-embedded.
func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed pending chunks (resumable)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			start := time.Now()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			provider, err := newEmbedder(ctx)
			if err != nil {
				return err
			}

			embCache := cache.New(st, cfg.Backfill.CacheEntries)
			breaker := errors.NewCircuitBreaker("embed-provider",
				errors.WithMaxFailures(cfg.Backfill.BreakerMaxFailures),
				errors.WithResetTimeout(cfg.Backfill.BreakerResetTimeout))

			engine, err := backfill.New(st, embCache, provider,
				backfill.WithBatchSize(cfg.Backfill.BatchSize),
				backfill.WithWorkers(cfg.Backfill.Workers),
				backfill.WithClaimTTL(cfg.Backfill.ClaimTTL),
				backfill.WithCircuitBreaker(breaker))
			if err != nil {
				return err
			}
			defer engine.Close()

			stats, err := engine.Run(ctx)
			if err != nil {
				return err
			}

			ui.NewRenderer().BackfillStats(stats, time.Since(start))
			return nil
		},
	}
	return cmd
}
