package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/localdb-dev/localdb/internal/index"
	"github.com/localdb-dev/localdb/internal/search"
	"github.com/localdb-dev/localdb/internal/store"
	"github.com/localdb-dev/localdb/internal/ui"
)

// newSearchCmd creates the search command: hybrid lexical + vector query
// against the active serving index.
func newSearchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Hybrid search over the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query := strings.Join(args, " ")

			if limit <= 0 || limit > cfg.Search.MaxResults {
				limit = cfg.Search.MaxResults
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			provider, err := newEmbedder(ctx)
			if err != nil {
				return err
			}

			lexical, err := store.NewLexicalIndex(cfg.LexicalPath())
			if err != nil {
				return err
			}
			defer func() { _ = lexical.Close() }()

			resolver := index.NewResolver(st, cfg.IndexDir())
			vector := search.NewServingSearcher(resolver, cfg.Search.Nprobe, cfg.Search.Refine)
			engine := search.NewEngine(provider, lexical, vector)

			results, err := engine.Query(ctx, query, limit)
			if err != nil {
				return err
			}

			ui.NewRenderer().Results(query, results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "k", 10, "Maximum results")
	return cmd
}
