package daemon

import (
	"errors"
	"fmt"
	"log"

	"github.com/cloo-solutions/siriusdms/internal/config"
	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/spf13/cobra"
)

// IngestCmd returns the ingest command
func IngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <document-id>...",
		Short: "Queue documents for ingestion",
		Long:  "Create an ingestion task for each document. With --local the tasks run in this process and the command waits for them.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}

	cmd.Flags().Bool("local", false, "Run the tasks in this process instead of publishing them")
	cmd.Flags().AddFlagSet(outputFlags())

	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	local, _ := cmd.Flags().GetBool("local")

	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := NewApp(ctx, cfg, AppOptions{NoQueue: local})
	if err != nil {
		return err
	}
	defer app.Close()

	var errs []error
	var queued []string
	for _, id := range args {
		if _, err := app.Dispatcher.Enqueue(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", id, err))
			continue
		}
		queued = append(queued, id)
	}

	// tasks that fell back to the in-process runner finish before we report
	app.Local.Wait()

	tasks := make([]*domain.IngestionTask, 0, len(queued))
	for _, id := range queued {
		task, err := app.Dispatcher.Status(ctx, id)
		if err != nil {
			log.Printf("ingest: status of document %s: %v", id, err)
			continue
		}
		tasks = append(tasks, task)
	}
	if err := writeTasks(cmd.OutOrStdout(), format, tasks); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// ReindexCmd returns the reindex command
func ReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-ingest every non-deleted document",
		Long:  "Queue an ingestion task for every document that is not deleted, e.g. after changing the embedding model.",
		Args:  cobra.NoArgs,
		RunE:  runReindex,
	}

	cmd.Flags().Bool("local", false, "Run the tasks in this process instead of publishing them")
	cmd.Flags().AddFlagSet(outputFlags())

	return cmd
}

func runReindex(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	local, _ := cmd.Flags().GetBool("local")

	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := NewApp(ctx, cfg, AppOptions{NoQueue: local})
	if err != nil {
		return err
	}
	defer app.Close()

	n, reindexErr := app.Dispatcher.Reindex(ctx)
	app.Local.Wait()

	if format == formatJSON {
		out := map[string]any{"queued": n}
		if reindexErr != nil {
			out["error"] = reindexErr.Error()
		}
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %d document(s) for ingestion\n", n)
	}
	return reindexErr
}
