package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/localdb-dev/localdb/internal/config"
)

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the data directory and config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if profile != "" {
				cfg.Profile = config.Profile(profile)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			// Opening the store creates the schema.
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			path := configPath
			if path == "" {
				path = filepath.Join(cfg.Paths.DataDir, "config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", path)
				return nil
			}
			if err := cfg.Save(path); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (profile: %s)\n", cfg.Paths.DataDir, cfg.Profile)
			return nil
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Operating profile: fast-iteration or large-corpus")
	return cmd
}
