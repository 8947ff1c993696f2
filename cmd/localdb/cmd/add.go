package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localdb-dev/localdb/internal/chunk"
	"github.com/localdb-dev/localdb/internal/store"
)

// textExtensions are the file types accepted by add.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true,
	".go": true, ".py": true, ".rs": true, ".js": true, ".ts": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true,
}

// newAddCmd creates the add command: seed the corpus from files or
// directories. Rows enter in the unembedded state; backfill embeds them.
func newAddCmd() *cobra.Command {
	var category string
	var maxChunkLen int

	cmd := &cobra.Command{
		Use:   "add <path>...",
		Short: "Add documents to the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			lexical, err := store.NewLexicalIndex(cfg.LexicalPath())
			if err != nil {
				return err
			}
			defer func() { _ = lexical.Close() }()

			chunker := chunk.NewChunker(chunk.Options{MaxChunkLen: maxChunkLen})

			var files []string
			for _, arg := range args {
				found, err := collectFiles(arg)
				if err != nil {
					return err
				}
				files = append(files, found...)
			}
			if len(files) == 0 {
				return fmt.Errorf("no indexable files under %s", strings.Join(args, ", "))
			}

			totalChunks := 0
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}

				docID := store.HashContent(path)[:16]
				chunks := chunker.Chunk(docID, path, category, string(data))
				if len(chunks) == 0 {
					continue
				}

				if err := st.InsertChunks(ctx, chunks); err != nil {
					return fmt.Errorf("failed to insert chunks for %s: %w", path, err)
				}
				if err := lexical.Index(ctx, chunks); err != nil {
					return fmt.Errorf("failed to index %s: %w", path, err)
				}
				totalChunks += len(chunks)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added %d chunks from %d files\n", totalChunks, len(files))
			fmt.Fprintln(cmd.OutOrStdout(), "run 'localdb backfill' to embed them")
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Facet label for the added documents")
	cmd.Flags().IntVar(&maxChunkLen, "max-chunk-len", 0, "Chunk size bound in runes")
	return cmd
}

// collectFiles expands a path argument into indexable files.
func collectFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if textExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
