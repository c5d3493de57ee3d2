package commands

import (
	"fmt"

	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/spf13/cobra"
)

// Both are swapped out in tests.
var (
	runMigrations    = store.RunMigrations
	migrationVersion = store.MigrationVersion
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireDatabaseURL(); err != nil {
			return err
		}
		if err := runMigrations(databaseURL); err != nil {
			return fmt.Errorf("error running migrations: %w", err)
		}
		version, dirty, err := migrationVersion(databaseURL)
		if err != nil {
			return fmt.Errorf("error reading schema version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty: %t)\n", version, dirty)
		return nil
	},
}

// GetMigrateCmd returns the migrate command
func GetMigrateCmd() *cobra.Command {
	return migrateCmd
}
