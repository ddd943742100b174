package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/embedding"
	"github.com/cloo-solutions/siriusdms/internal/metrics"
	"github.com/cloo-solutions/siriusdms/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// minTextRunes is the least amount of non-space text worth indexing.
const minTextRunes = 10

// ObjectGetter downloads stored document bytes.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// TextExtractor converts document bytes to text. The format is taken from
// the extension of filename.
type TextExtractor interface {
	Extract(data []byte, filename string) (string, error)
}

// DocumentClassifier infers document metadata. It never fails.
type DocumentClassifier interface {
	Classify(ctx context.Context, text, filename string) domain.ClassificationResult
}

// BatchEmbedder embeds many texts at once. batchSize <= 0 picks a size
// from available device memory.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

// ChunkStore replaces the chunks of a document.
type ChunkStore interface {
	Store(ctx context.Context, documentID string, chunks []domain.TextChunk, vectors [][]float32, metadata map[string]any) error
}

// DocumentCacher keeps recently ingested bytes close to the query path.
type DocumentCacher interface {
	Put(ctx context.Context, documentID string, data []byte, metadata map[string]any) error
}

// IngestionDeps groups the collaborators of IngestionService.
type IngestionDeps struct {
	Tasks      IngestionTaskRepositoryInterface
	Documents  DocumentRepositoryInterface
	Locker     DocumentLocker
	Objects    ObjectGetter
	Extractor  TextExtractor
	Classifier DocumentClassifier
	Embedder   BatchEmbedder
	Store      ChunkStore
	// Cache is optional.
	Cache DocumentCacher
}

// IngestionService runs the extract, classify, chunk, embed and persist
// pipeline for one document.
type IngestionService struct {
	deps     IngestionDeps
	chunkCfg ChunkConfig
	metrics  *metrics.Metrics
}

// NewIngestionService creates an IngestionService.
func NewIngestionService(deps IngestionDeps, chunkCfg ChunkConfig, m *metrics.Metrics) *IngestionService {
	return &IngestionService{deps: deps, chunkCfg: chunkCfg, metrics: m}
}

// IngestionOutcome summarises a successful run.
type IngestionOutcome struct {
	Chunks         int
	SkippedChunks  int
	Classification domain.ClassificationResult
	// Warnings are non-fatal problems recorded on the task.
	Warnings []string
}

// Run executes the task with the given id. Runs for the same document are
// serialised; each run replaces the document's chunks and classification.
// The outcome is recorded on the task; the returned error is the reason it
// failed.
func (s *IngestionService) Run(ctx context.Context, taskID string) error {
	task, err := s.deps.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load ingestion task %s: %w", taskID, err)
	}

	ctx, span := telemetry.StartTransaction(ctx, "ingestion.run", "queue.task",
		telemetry.SpanAttributes{DocumentID: task.DocumentID, TaskID: task.ID})

	unlock, err := s.deps.Locker.Lock(ctx, task.DocumentID)
	if err != nil {
		span.Finish(err)
		return fmt.Errorf("lock document %s: %w", task.DocumentID, err)
	}
	defer unlock()

	// a duplicate delivery may have finished while we waited for the lock
	current, err := s.deps.Tasks.GetByID(ctx, taskID)
	if err != nil {
		span.Finish(err)
		return fmt.Errorf("reload ingestion task %s: %w", taskID, err)
	}
	if !domain.CanTransition(current.State, domain.IngestionTaskRunning) {
		err := fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.State, domain.IngestionTaskRunning)
		span.Finish(err)
		return err
	}

	if err := s.deps.Tasks.Transition(ctx, taskID, domain.IngestionTaskRunning, "", 0); err != nil {
		span.Finish(err)
		return fmt.Errorf("start ingestion task %s: %w", taskID, err)
	}
	s.metrics.IngestionTask(string(domain.IngestionTaskRunning))
	log.Printf("ingestion: task %s started for document %s (dispatch=%s)", taskID, task.DocumentID, current.Dispatch)

	outcome, runErr := s.ingest(ctx, task.DocumentID)

	// the outcome must be recorded even when the caller's context is done
	recordCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := s.deps.Tasks.Transition(recordCtx, taskID, domain.IngestionTaskFailed, runErr.Error(), 0); err != nil {
			log.Printf("ingestion: failed to record failure of task %s: %v", taskID, err)
		}
		s.metrics.IngestionTask(string(domain.IngestionTaskFailed))
		log.Printf("ingestion: task %s failed: %v", taskID, runErr)
		span.Finish(runErr)
		return runErr
	}

	if err := s.deps.Tasks.Transition(recordCtx, taskID, domain.IngestionTaskSucceeded, strings.Join(outcome.Warnings, "; "), outcome.Chunks); err != nil {
		span.Finish(err)
		return fmt.Errorf("finish ingestion task %s: %w", taskID, err)
	}
	s.metrics.IngestionTask(string(domain.IngestionTaskSucceeded))
	log.Printf("ingestion: task %s succeeded: %d chunks, type=%s priority=%s source=%s",
		taskID, outcome.Chunks, outcome.Classification.Type, outcome.Classification.Priority, outcome.Classification.Source)
	span.Finish(nil)
	return nil
}

// ingest performs the pipeline steps for one document.
func (s *IngestionService) ingest(ctx context.Context, documentID string) (*IngestionOutcome, error) {
	doc, err := s.deps.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, domain.ErrDocumentDeleted
	}
	attrs := telemetry.SpanAttributes{DocumentID: documentID}

	stepCtx, span := telemetry.StartSpan(ctx, "ingestion.download", attrs)
	data, err := s.deps.Objects.GetObject(stepCtx, doc.Path)
	span.Finish(err)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", doc.Path, err)
	}

	_, span = telemetry.StartSpan(ctx, "ingestion.extract", attrs)
	text, err := s.deps.Extractor.Extract(data, doc.Path)
	if err == nil && !hasEnoughText(text) {
		err = domain.ErrNoTextContent
	}
	span.Finish(err)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc.Path, err)
	}

	filename := filepath.Base(doc.Path)
	if filepath.Ext(doc.Title) != "" {
		filename = doc.Title
	}
	outcome := &IngestionOutcome{}

	// classification never fails and must not be cancelled by an embedding
	// failure, so the group has no shared context
	var g errgroup.Group
	var chunks []domain.TextChunk
	var vectors [][]float32
	var skipped map[int]error

	g.Go(func() error {
		classifyCtx, span := telemetry.StartSpan(ctx, "ingestion.classify", attrs)
		outcome.Classification = s.deps.Classifier.Classify(classifyCtx, text, filename)
		span.Finish(nil)
		return nil
	})
	g.Go(func() error {
		embedCtx, span := telemetry.StartSpan(ctx, "ingestion.embed", attrs)
		var err error
		chunks, vectors, skipped, err = s.chunkAndEmbed(embedCtx, text)
		span.Finish(err)
		return err
	})
	embedErr := g.Wait()

	if err := s.deps.Documents.UpdateClassification(ctx, documentID, &outcome.Classification); err != nil {
		log.Printf("ingestion: failed to store classification of %s: %v", documentID, err)
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("classification not stored: %v", err))
	}
	if embedErr != nil {
		return nil, embedErr
	}

	stepCtx, span = telemetry.StartSpan(ctx, "ingestion.persist", attrs)
	metadata := map[string]any{
		"document_title": doc.Title,
		"document_type":  outcome.Classification.Type,
		"source_path":    doc.Path,
	}
	err = s.deps.Store.Store(stepCtx, documentID, chunks, vectors, metadata)
	span.SetData("chunks", len(chunks))
	span.SetData("skipped_chunks", len(skipped))
	span.Finish(err)
	if err != nil {
		return nil, fmt.Errorf("store chunks: %w", err)
	}
	outcome.Chunks = len(chunks)
	outcome.SkippedChunks = len(skipped)
	if len(skipped) > 0 {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("%d chunks could not be embedded", len(skipped)))
	}

	if s.deps.Cache != nil {
		cacheMeta := map[string]any{"title": doc.Title, "path": doc.Path, "type": outcome.Classification.Type}
		if err := s.deps.Cache.Put(ctx, documentID, data, cacheMeta); err != nil {
			log.Printf("ingestion: failed to cache document %s: %v", documentID, err)
		}
	}
	return outcome, nil
}

// chunkAndEmbed splits text and embeds every chunk. Chunks that fail alone
// with out-of-memory are left out and reported in skipped; any other error
// aborts.
func (s *IngestionService) chunkAndEmbed(ctx context.Context, text string) ([]domain.TextChunk, [][]float32, map[int]error, error) {
	chunks := Chunk(text, s.chunkCfg)
	if len(chunks) == 0 {
		return nil, nil, nil, domain.ErrNoTextContent
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := s.deps.Embedder.EmbedBatch(ctx, texts, 0)
	var batchErr *embedding.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		return nil, nil, nil, fmt.Errorf("embed chunks: %w", err)
	}
	if batchErr == nil {
		return chunks, vectors, nil, nil
	}
	if len(batchErr.Failed) == len(chunks) {
		return nil, nil, nil, fmt.Errorf("embed chunks: %w", err)
	}

	keptChunks := make([]domain.TextChunk, 0, len(chunks)-len(batchErr.Failed))
	keptVectors := make([][]float32, 0, len(chunks)-len(batchErr.Failed))
	for i := range chunks {
		if _, failed := batchErr.Failed[i]; failed {
			continue
		}
		keptChunks = append(keptChunks, chunks[i])
		keptVectors = append(keptVectors, vectors[i])
	}
	log.Printf("ingestion: %d of %d chunks skipped after out-of-memory", len(batchErr.Failed), len(chunks))
	return keptChunks, keptVectors, batchErr.Failed, nil
}

func hasEnoughText(text string) bool {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
			if n >= minTextRunes {
				return true
			}
		}
	}
	return false
}
