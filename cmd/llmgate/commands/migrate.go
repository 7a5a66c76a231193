package commands

import (
	"github.com/spf13/cobra"

	"github.com/jmylchreest/llmgate/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context(), cfg, wantParts{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	logger.Debug("migrating", "driver", cfg.Database.Driver)
	if err := a.store.Migrate(cmd.Context()); err != nil {
		return err
	}
	logInfo("database schema is up to date")
	return nil
}
