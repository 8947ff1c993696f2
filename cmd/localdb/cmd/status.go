package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/localdb-dev/localdb/internal/index"
	"github.com/localdb-dev/localdb/internal/ui"
)

// newStatusCmd creates the status command: embedding status counts, the
// serving vector count, and the active index name.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus and index status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			counts, err := st.StatusCounts(ctx)
			if err != nil {
				return err
			}
			serving, err := st.CountServingVectors(ctx)
			if err != nil {
				return err
			}

			resolver := index.NewResolver(st, cfg.IndexDir())
			active, err := resolver.ActiveName(ctx)
			if err != nil && !errors.Is(err, index.ErrNoActiveIndex) {
				return err
			}

			ui.NewRenderer().StatusCounts(counts, active, serving)
			return nil
		},
	}
	return cmd
}
