package daemon

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/cloo-solutions/siriusdms/internal/config"
	"github.com/spf13/cobra"
)

// WorkerCmd returns the worker command
func WorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the ingestion stream",
		Long:  "Run ingestion tasks from the Redis stream without serving HTTP. Several workers may share one consumer group.",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	app, err := NewApp(runCtx, cfg, AppOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	app.WarmUp(runCtx)
	worker := app.StartWorker(runCtx)

	<-ctx.Done()
	log.Println("shutting down...")
	worker.Stop()
	cancelRuns()
	return nil
}
