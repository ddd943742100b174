package daemon

import (
	"fmt"

	"github.com/cloo-solutions/siriusdms/internal/config"
	"github.com/cloo-solutions/siriusdms/internal/database"
	"github.com/spf13/cobra"
)

// MigrateCmd returns the migrate command
func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply pending schema migrations, or roll back the last ones with --down.",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	cmd.Flags().Int("down", 0, "Roll back this many migrations instead of applying")
	cmd.Flags().AddFlagSet(migrationFlags())

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	source, _ := cmd.Flags().GetString("migrations")

	if down, _ := cmd.Flags().GetInt("down"); down > 0 {
		return database.MigrateDown(cfg.DatabaseURL, source, down)
	}

	status, err := database.MigrateUp(cfg.DatabaseURL, source)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", status.Version)
	return nil
}
