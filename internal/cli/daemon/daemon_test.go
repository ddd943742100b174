package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/database"
	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/extract"
	"github.com/cloo-solutions/siriusdms/internal/service"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := RootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "worker", "ingest", "reindex", "query", "classify", "migrate"}, names)
}

func TestRootCmd_Flags(t *testing.T) {
	root := RootCmd()

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	migrations := serve.Flags().Lookup("migrations")
	require.NotNil(t, migrations)
	assert.Equal(t, database.DefaultMigrationsSource, migrations.DefValue)
	assert.NotNil(t, serve.Flags().Lookup("no-worker"))

	ingest, _, err := root.Find([]string{"ingest"})
	require.NoError(t, err)
	assert.NotNil(t, ingest.Flags().ShorthandLookup("o"))
	assert.NotNil(t, ingest.Flags().Lookup("local"))
}

func TestRootCmd_ArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"ingest needs a document", []string{"ingest"}},
		{"classify needs a file", []string{"classify"}},
		{"query needs a question", []string{"query"}},
		{"worker takes no args", []string{"worker", "extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := RootCmd()
			root.SetArgs(tt.args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			assert.Error(t, root.Execute())
		})
	}
}

func TestOutputFormat(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(outputFlags())

	format, err := outputFormat(cmd)
	require.NoError(t, err)
	assert.Equal(t, formatText, format)

	require.NoError(t, cmd.Flags().Set("output", "json"))
	format, err = outputFormat(cmd)
	require.NoError(t, err)
	assert.Equal(t, formatJSON, format)

	require.NoError(t, cmd.Flags().Set("output", "yaml"))
	_, err = outputFormat(cmd)
	assert.Error(t, err)
}

func testTask() *domain.IngestionTask {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := domain.NewIngestionTask("task-1", "doc-1", created)
	task.State = domain.IngestionTaskFailed
	task.Error = "extract: unsupported format"
	return task
}

func TestWriteTasks(t *testing.T) {
	var text bytes.Buffer
	require.NoError(t, writeTasks(&text, formatText, []*domain.IngestionTask{testTask()}))
	assert.Equal(t, "task-1  document=doc-1  state=failed  dispatch=queue  chunks=0  error=extract: unsupported format\n", text.String())

	var js bytes.Buffer
	require.NoError(t, writeTasks(&js, formatJSON, []*domain.IngestionTask{testTask()}))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "failed", decoded[0]["state"])
	assert.Equal(t, "2024-03-01T12:00:00Z", decoded[0]["created_at"])
}

func TestWriteAnswer(t *testing.T) {
	answer := &service.Answer{
		Query:  "договор",
		Answer: "Найден договор поставки.",
		Documents: []service.DocumentHit{
			{DocumentID: "d1", Title: "Договор поставки", Similarity: 0.93, Available: true},
			{DocumentID: "d2", Title: "Акт", Similarity: 0.5},
		},
		Degraded: true,
	}

	var buf bytes.Buffer
	require.NoError(t, writeAnswer(&buf, formatText, answer))
	out := buf.String()
	assert.Contains(t, out, "Найден договор поставки.\n")
	assert.Contains(t, out, "- Договор поставки (d1, 0.93, available)\n")
	assert.Contains(t, out, "- Акт (d2, 0.50, archived)\n")
	assert.Contains(t, out, "without the language model")

	buf.Reset()
	require.NoError(t, writeAnswer(&buf, formatJSON, answer))
	var decoded service.Answer
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, answer.Documents, decoded.Documents)
}

func TestWriteClassification(t *testing.T) {
	name := "ООО Ромашка"
	result := domain.ClassificationResult{
		Type:             "contract",
		CounterpartyName: &name,
		Priority:         domain.PriorityHigh,
		Description:      "Договор поставки",
		Tags:             []string{"txt", "contract"},
		Source:           domain.ClassificationSourceModel,
	}

	var buf bytes.Buffer
	require.NoError(t, writeClassification(&buf, formatText, result))
	out := buf.String()
	assert.Contains(t, out, "type:         contract\n")
	assert.Contains(t, out, "counterparty: ООО Ромашка\n")
	assert.Contains(t, out, "date:         -\n")
	assert.Contains(t, out, "tags:         txt, contract\n")
}

func TestReadDocumentText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contract.txt")
	require.NoError(t, os.WriteFile(path, []byte("Договор поставки"), 0o600))

	text, err := readDocumentText(extract.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "Договор поставки", text)

	_, err = readDocumentText(extract.New(), filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)

	scan := filepath.Join(dir, "scan.tiff")
	require.NoError(t, os.WriteFile(scan, []byte{0x49, 0x49}, 0o600))
	_, err = readDocumentText(extract.New(), scan)
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestUnconfiguredStorage(t *testing.T) {
	_, err := unconfiguredStorage{}.GetObject(context.Background(), "uploads/a.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIRIUS_S3_ENDPOINT")
}
