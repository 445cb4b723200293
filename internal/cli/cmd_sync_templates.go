package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/camctl/cam/internal/config"
	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/library"
)

// newSyncTemplatesCmd creates the sync-templates command
func newSyncTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-templates [dir]",
		Short: "Sync pipeline templates from a YAML directory",
		Long: `Load pipeline template YAML files into the template library.

The directory defaults to CAM_VIBECODING_DIR. Files that fail to parse
or validate are skipped with a warning; existing templates are updated
in place by name.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			dir := cfg.VibecodingDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no template directory: pass one or set %s", library.EnvDir)
			}
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("template directory %s: %w", dir, err)
			}

			store, err := db.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := library.New(store, logger).Sync(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Printf("Synced %d template(s) from %s\n", n, dir)
			return nil
		},
	}
	return cmd
}
