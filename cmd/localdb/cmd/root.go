// Package cmd provides the CLI commands for localdb.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localdb-dev/localdb/internal/config"
	"github.com/localdb-dev/localdb/internal/embed"
	"github.com/localdb-dev/localdb/internal/logging"
	"github.com/localdb-dev/localdb/internal/store"
	"github.com/localdb-dev/localdb/pkg/version"
)

var (
	configPath string
	debugMode  bool

	// cfg is loaded once in the persistent pre-run and shared by all
	// subcommands.
	cfg *config.Config
)

// NewRootCmd creates the root command for the localdb CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "localdb",
		Short: "Local-first hybrid search over embedded document chunks",
		Long: `localdb maintains a local corpus of document chunks with resumable
embedding backfill, offline vector index builds with atomic activation,
and hybrid lexical + vector search.

Typical flow:

  localdb init
  localdb add ./docs
  localdb backfill
  localdb build
  localdb search "how does the claim protocol work"`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("localdb version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentPreRunE = loadConfigAndLogging

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newBackfillCmd())
	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfigAndLogging loads the config and installs the default logger
// before any subcommand runs.
func loadConfigAndLogging(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.Logging.Level
	if debugMode {
		level = "debug"
	}
	logging.Setup(logging.Config{Level: level, Format: cfg.Logging.Format})
	return nil
}

// openStore opens the document store at the configured path.
func openStore() (*store.DocumentStore, error) {
	st, err := store.OpenDocumentStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store (run 'localdb init' first?): %w", err)
	}
	return st, nil
}

// newEmbedder builds the configured embedding provider.
func newEmbedder(ctx context.Context) (embed.Embedder, error) {
	switch cfg.Embed.Provider {
	case "static":
		return embed.NewStaticEmbedder(), nil
	case "ollama":
		return embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
			Host:        cfg.Embed.OllamaHost,
			Model:       cfg.Embed.Model,
			Dimensions:  cfg.Embed.Dimensions,
			MaxBatchLen: cfg.Embed.MaxBatchLen,
			Timeout:     cfg.Embed.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embed.Provider)
	}
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return err
	}
	return nil
}
