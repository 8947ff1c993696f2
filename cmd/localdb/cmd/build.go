package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localdb-dev/localdb/internal/index"
)

// newBuildCmd creates the build command: train a fresh serving index,
// validate it, and flip the active pointer. Queries keep using the
// previous index until the flip.
func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Rebuild and activate the serving vector index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			provider, err := newEmbedder(ctx)
			if err != nil {
				return err
			}

			builder := index.NewBuilder(st, cfg.IndexDir(),
				index.WithValidation(cfg.Index.ValidationSamples, cfg.Index.ValidationK))

			result, err := builder.Rebuild(ctx, provider.ID())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "activated index %s\n", result.IndexName)
			fmt.Fprintf(out, "  vectors:     %d (synced %d)\n", result.Vectors, result.Synced)
			fmt.Fprintf(out, "  partitions:  %d\n", result.Params.Partitions)
			fmt.Fprintf(out, "  sub-vectors: %d\n", result.Params.SubVectors)
			fmt.Fprintf(out, "  duration:    %s\n", result.Duration.Round(time.Millisecond))
			return nil
		},
	}
	return cmd
}
