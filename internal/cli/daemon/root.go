// Package daemon holds the siriusd commands and the wiring of the
// ingestion and query pipeline.
package daemon

import (
	"github.com/cloo-solutions/siriusdms/internal/cli"
	"github.com/spf13/cobra"
)

// RootCmd builds the siriusd command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "siriusd",
		Short:         "Sirius DMS AI daemon",
		Long:          "Sirius DMS AI daemon: document ingestion, semantic search and classification",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cli.AddHelpJSONFlag(root)
	root.AddCommand(ServeCmd())
	root.AddCommand(WorkerCmd())
	root.AddCommand(IngestCmd())
	root.AddCommand(ReindexCmd())
	root.AddCommand(QueryCmd())
	root.AddCommand(ClassifyCmd())
	root.AddCommand(MigrateCmd())

	return root
}
