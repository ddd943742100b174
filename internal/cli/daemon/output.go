package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cloo-solutions/siriusdms/internal/api/handlers"
	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	formatText = "text"
	formatJSON = "json"
)

func outputFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("output", pflag.ContinueOnError)
	fs.StringP("output", "o", formatText, "Output format (text or json)")
	return fs
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "", formatText:
		return formatText, nil
	case formatJSON:
		return formatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected text or json)", format)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTasks(w io.Writer, format string, tasks []*domain.IngestionTask) error {
	if format == formatJSON {
		out := make([]*handlers.IngestionTaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, handlers.NewIngestionTaskResponse(t))
		}
		return writeJSON(w, out)
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%s  document=%s  state=%s  dispatch=%s  chunks=%d",
			t.ID, t.DocumentID, t.State, t.Dispatch, t.ChunkCount)
		if t.Error != "" {
			line += "  error=" + t.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func writeAnswer(w io.Writer, format string, a *service.Answer) error {
	if format == formatJSON {
		return writeJSON(w, a)
	}
	fmt.Fprintln(w, a.Answer)
	if len(a.Documents) > 0 {
		fmt.Fprintln(w)
		for _, d := range a.Documents {
			availability := "archived"
			if d.Available {
				availability = "available"
			}
			fmt.Fprintf(w, "- %s (%s, %.2f, %s)\n", d.Title, d.DocumentID, d.Similarity, availability)
		}
	}
	if a.Degraded {
		fmt.Fprintln(w, "\n(answer generated without the language model)")
	}
	return nil
}

func writeClassification(w io.Writer, format string, c domain.ClassificationResult) error {
	if format == formatJSON {
		return writeJSON(w, c)
	}
	fmt.Fprintf(w, "type:         %s\n", c.Type)
	fmt.Fprintf(w, "priority:     %s\n", c.Priority)
	fmt.Fprintf(w, "counterparty: %s\n", valueOrDash(c.CounterpartyName))
	fmt.Fprintf(w, "date:         %s\n", valueOrDash(c.Date))
	fmt.Fprintf(w, "description:  %s\n", c.Description)
	fmt.Fprintf(w, "tags:         %s\n", strings.Join(c.Tags, ", "))
	fmt.Fprintf(w, "source:       %s\n", c.Source)
	return nil
}

func valueOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
