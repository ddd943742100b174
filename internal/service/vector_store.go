package service

import (
	"context"
	"fmt"
	"log"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/google/uuid"
)

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	Generate() string
}

// DefaultUUIDGenerator generates random v4 UUIDs.
type DefaultUUIDGenerator struct{}

func (g *DefaultUUIDGenerator) Generate() string {
	return uuid.NewString()
}

var _ UUIDGenerator = (*DefaultUUIDGenerator)(nil)

// VectorStore persists document chunks with their embeddings and answers
// similarity queries over them.
type VectorStore struct {
	repo      ChunkRepositoryInterface
	txRunner  TxRunner
	dimension int
	uuidGen   UUIDGenerator
}

// NewVectorStore creates a VectorStore for vectors of the given dimension.
func NewVectorStore(repo ChunkRepositoryInterface, txRunner TxRunner, dimension int) *VectorStore {
	return &VectorStore{
		repo:      repo,
		txRunner:  txRunner,
		dimension: dimension,
		uuidGen:   &DefaultUUIDGenerator{},
	}
}

// Dimension returns the configured vector dimension.
func (s *VectorStore) Dimension() int {
	return s.dimension
}

// Store replaces every chunk of a document with the given chunks and
// vectors in one transaction. metadata is attached to every chunk.
func (s *VectorStore) Store(ctx context.Context, documentID string, chunks []domain.TextChunk, vectors [][]float32, metadata map[string]any) error {
	if documentID == "" {
		return fmt.Errorf("document id: %w", domain.ErrMissingRequiredField)
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d vectors", domain.ErrChunkVectorCount, len(chunks), len(vectors))
	}

	records := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		if len(vectors[i]) != s.dimension {
			return fmt.Errorf("%w: chunk %d has %d dimensions, store expects %d",
				domain.ErrDimensionMismatch, c.SequenceIndex, len(vectors[i]), s.dimension)
		}
		records[i] = domain.Chunk{
			ID:            s.uuidGen.Generate(),
			DocumentID:    documentID,
			SequenceIndex: c.SequenceIndex,
			Text:          c.Text,
			StartOffset:   c.StartOffset,
			EndOffset:     c.EndOffset,
			Embedding:     vectors[i],
			Metadata:      chunkMetadata(metadata, c),
		}
	}

	return s.txRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.LockDocument(ctx, documentID); err != nil {
			return fmt.Errorf("lock document %s: %w", documentID, err)
		}
		return repos.Chunks().ReplaceForDocument(ctx, documentID, records)
	})
}

func chunkMetadata(base map[string]any, c domain.TextChunk) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["chunk_length"] = len([]rune(c.Text))
	return out
}

// Search returns up to topK chunks ordered by descending cosine similarity.
func (s *VectorStore) Search(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, store expects %d",
			domain.ErrDimensionMismatch, len(vector), s.dimension)
	}
	if topK <= 0 {
		return nil, nil
	}
	return s.repo.Search(ctx, vector, topK)
}

// CheckDimension verifies that the chunk table's vector column has the
// configured dimension. A mismatch is a configuration error.
func (s *VectorStore) CheckDimension(ctx context.Context) error {
	column, err := s.repo.ColumnDimension(ctx)
	if err != nil {
		return fmt.Errorf("read embedding column dimension: %w", err)
	}
	if column != s.dimension {
		return fmt.Errorf("%w: column is vector(%d), embeddings have %d dimensions",
			domain.ErrDimensionMismatch, column, s.dimension)
	}
	return nil
}

// DeleteDocumentChunks removes all chunks of a permanently deleted document.
func (s *VectorStore) DeleteDocumentChunks(ctx context.Context, documentID string) (int64, error) {
	if documentID == "" {
		return 0, fmt.Errorf("document id: %w", domain.ErrMissingRequiredField)
	}
	n, err := s.repo.DeleteByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	log.Printf("vector store: deleted %d chunks of document %s", n, documentID)
	return n, nil
}
