package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates the 'migrate' subcommand, which applies the embedded
// Postgres schema.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables in Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if appInstance.db == nil {
				return errNoDatabase
			}
			if err := appInstance.db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			appInstance.logger.Info("schema applied")
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
