package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/config"
	"github.com/cloo-solutions/siriusdms/internal/extract"
	"github.com/cloo-solutions/siriusdms/internal/service"
	"github.com/spf13/cobra"
)

// QueryCmd returns the query command
func QueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question about the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}

	cmd.Flags().AddFlagSet(outputFlags())

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := NewApp(ctx, cfg, AppOptions{NoQueue: true})
	if err != nil {
		return err
	}
	defer app.Close()

	answer, err := app.Query.Answer(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	return writeAnswer(cmd.OutOrStdout(), format, answer)
}

// ClassifyCmd returns the classify command
func ClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <file>",
		Short: "Classify a local document",
		Long:  "Extract the text of a local file and classify it. Only the language model is needed; the database is not touched.",
		Args:  cobra.ExactArgs(1),
		RunE:  runClassify,
	}

	cmd.Flags().AddFlagSet(outputFlags())

	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	text, err := readDocumentText(extract.New(), args[0])
	if err != nil {
		return err
	}

	manager := newModelManager(cfg)
	defer manager.Close()

	classifier := service.NewClassifier(manager, service.ClassifierConfig{
		Chars:   cfg.ClassificationChars,
		Timeout: cfg.GenerationTimeout,
	}, nil)

	start := time.Now()
	result := classifier.Classify(ctx, text, filepath.Base(args[0]))
	if cfg.Debug {
		fmt.Fprintf(cmd.ErrOrStderr(), "classified in %s\n", time.Since(start).Round(time.Millisecond))
	}
	return writeClassification(cmd.OutOrStdout(), format, result)
}

func readDocumentText(ex service.TextExtractor, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	text, err := ex.Extract(data, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", path, err)
	}
	return text, nil
}
