package service

import (
	"context"

	"github.com/cloo-solutions/siriusdms/internal/domain"
)

// ChunkRepositoryInterface persists and searches embedded chunks.
type ChunkRepositoryInterface interface {
	ReplaceForDocument(ctx context.Context, documentID string, chunks []domain.Chunk) error
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)
	Search(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error)
	ColumnDimension(ctx context.Context) (int, error)
}

// DocumentRepositoryInterface reads documents and stores classification results.
type DocumentRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
	UpdateClassification(ctx context.Context, id string, c *domain.ClassificationResult) error
}

// IngestionTaskRepositoryInterface tracks ingestion runs.
type IngestionTaskRepositoryInterface interface {
	Create(ctx context.Context, task *domain.IngestionTask) error
	GetByID(ctx context.Context, id string) (*domain.IngestionTask, error)
	LatestForDocument(ctx context.Context, documentID string) (*domain.IngestionTask, error)
	Transition(ctx context.Context, id string, to domain.IngestionTaskState, errMsg string, chunkCount int) error
	SetDispatch(ctx context.Context, id string, mode domain.DispatchMode) error
}

// DocumentLocker serialises ingestion runs for the same document across
// processes. The returned function releases the lock.
type DocumentLocker interface {
	Lock(ctx context.Context, documentID string) (func(), error)
}
