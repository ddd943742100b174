package service

import (
	"context"
	"sync"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/model"
	"github.com/cloo-solutions/siriusdms/internal/queue"
	"github.com/stretchr/testify/mock"
)

// MockChunkRepository is a mock implementation of ChunkRepositoryInterface
type MockChunkRepository struct {
	mock.Mock
}

func (m *MockChunkRepository) ReplaceForDocument(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	args := m.Called(ctx, documentID, chunks)
	return args.Error(0)
}

func (m *MockChunkRepository) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	args := m.Called(ctx, documentID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockChunkRepository) Search(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	args := m.Called(ctx, vector, topK)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ScoredChunk), args.Error(1)
}

func (m *MockChunkRepository) ColumnDimension(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// MockDocumentRepository is a mock implementation of DocumentRepositoryInterface
type MockDocumentRepository struct {
	mock.Mock
}

func (m *MockDocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *MockDocumentRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDocumentRepository) UpdateClassification(ctx context.Context, id string, c *domain.ClassificationResult) error {
	args := m.Called(ctx, id, c)
	return args.Error(0)
}

// MockIngestionTaskRepository is a mock implementation of IngestionTaskRepositoryInterface
type MockIngestionTaskRepository struct {
	mock.Mock
}

func (m *MockIngestionTaskRepository) Create(ctx context.Context, task *domain.IngestionTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockIngestionTaskRepository) GetByID(ctx context.Context, id string) (*domain.IngestionTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IngestionTask), args.Error(1)
}

func (m *MockIngestionTaskRepository) LatestForDocument(ctx context.Context, documentID string) (*domain.IngestionTask, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IngestionTask), args.Error(1)
}

func (m *MockIngestionTaskRepository) Transition(ctx context.Context, id string, to domain.IngestionTaskState, errMsg string, chunkCount int) error {
	args := m.Called(ctx, id, to, errMsg, chunkCount)
	return args.Error(0)
}

func (m *MockIngestionTaskRepository) SetDispatch(ctx context.Context, id string, mode domain.DispatchMode) error {
	args := m.Called(ctx, id, mode)
	return args.Error(0)
}

// MockUUIDGenerator is a mock implementation of UUIDGenerator
type MockUUIDGenerator struct {
	mock.Mock
}

func (m *MockUUIDGenerator) Generate() string {
	args := m.Called()
	return args.String(0)
}

// MockTextGenerator is a mock implementation of TextGenerator
type MockTextGenerator struct {
	mock.Mock
}

func (m *MockTextGenerator) Generate(ctx context.Context, prompt string, params model.GenerateParams) (string, error) {
	args := m.Called(ctx, prompt, params)
	return args.String(0), args.Error(1)
}

// MockQueryEmbedder is a mock implementation of QueryEmbedder
type MockQueryEmbedder struct {
	mock.Mock
}

func (m *MockQueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// MockAvailabilityChecker is a mock implementation of AvailabilityChecker
type MockAvailabilityChecker struct {
	mock.Mock
}

func (m *MockAvailabilityChecker) Available(ctx context.Context, documentIDs []string) (map[string]bool, error) {
	args := m.Called(ctx, documentIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

// MockDownloadLinker is a mock implementation of DownloadLinker
type MockDownloadLinker struct {
	mock.Mock
}

func (m *MockDownloadLinker) GenerateDownloadURL(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

// MockIngestPublisher is a mock implementation of IngestPublisher
type MockIngestPublisher struct {
	mock.Mock
}

func (m *MockIngestPublisher) PublishIngest(ctx context.Context, req queue.IngestRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// MockObjectGetter is a mock implementation of ObjectGetter
type MockObjectGetter struct {
	mock.Mock
}

func (m *MockObjectGetter) GetObject(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockDocumentCacher is a mock implementation of DocumentCacher
type MockDocumentCacher struct {
	mock.Mock
}

func (m *MockDocumentCacher) Put(ctx context.Context, documentID string, data []byte, metadata map[string]any) error {
	args := m.Called(ctx, documentID, data, metadata)
	return args.Error(0)
}

func (m *MockDocumentCacher) Delete(ctx context.Context, documentID string) error {
	args := m.Called(ctx, documentID)
	return args.Error(0)
}

// fakeLocker records lock usage per document.
type fakeLocker struct {
	mu       sync.Mutex
	locked   map[string]int
	released map[string]int
	err      error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locked: map[string]int{}, released: map[string]int{}}
}

func (l *fakeLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.locked[documentID]++
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.released[documentID]++
		l.mu.Unlock()
	}, nil
}

// recordingSubmitter collects locally submitted task ids.
type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
	run func(taskID string)
}

func (s *recordingSubmitter) Submit(taskID string) {
	s.mu.Lock()
	s.ids = append(s.ids, taskID)
	s.mu.Unlock()
	if s.run != nil {
		s.run(taskID)
	}
}
