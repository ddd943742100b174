package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/config"
	"github.com/cloo-solutions/siriusdms/internal/database"
	"github.com/cloo-solutions/siriusdms/internal/jobs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the Sirius DMS AI API server. Unless --no-worker is set the process also consumes the ingestion stream.",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides SIRIUS_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().Bool("no-worker", false, "Do not consume the ingestion stream in this process")
	cmd.Flags().AddFlagSet(migrationFlags())

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	opts := AppOptions{}
	if noMigrate, _ := cmd.Flags().GetBool("no-migrate"); !noMigrate {
		opts.Migrations, _ = cmd.Flags().GetString("migrations")
	}

	// in-process runs outlive a single request but stop with the process
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	app, err := NewApp(runCtx, cfg, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	app.WarmUp(runCtx)

	var worker *jobs.Worker
	if noWorker, _ := cmd.Flags().GetBool("no-worker"); !noWorker {
		worker = app.StartWorker(runCtx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	log.Println("shutting down...")

	if worker != nil {
		worker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	cancelRuns()
	log.Println("server exited")
	return nil
}

// migrationFlags is shared by every command that may migrate the schema.
func migrationFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("migrations", pflag.ContinueOnError)
	fs.String("migrations", database.DefaultMigrationsSource, "Migration source URL")
	return fs
}
