package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/embedding"
	"github.com/cloo-solutions/siriusdms/internal/extract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memoryTasks is an in-memory task repository that enforces transitions.
type memoryTasks struct {
	mu          sync.Mutex
	tasks       map[string]*domain.IngestionTask
	transitions []domain.IngestionTaskState
}

func newMemoryTasks(tasks ...*domain.IngestionTask) *memoryTasks {
	m := &memoryTasks{tasks: map[string]*domain.IngestionTask{}}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *memoryTasks) Create(ctx context.Context, task *domain.IngestionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memoryTasks) GetByID(ctx context.Context, id string) (*domain.IngestionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memoryTasks) LatestForDocument(ctx context.Context, documentID string) (*domain.IngestionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.IngestionTask
	for _, t := range m.tasks {
		if t.DocumentID == documentID && (latest == nil || t.CreatedAt.After(latest.CreatedAt)) {
			latest = t
		}
	}
	if latest == nil {
		return nil, domain.ErrTaskNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memoryTasks) Transition(ctx context.Context, id string, to domain.IngestionTaskState, errMsg string, chunkCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if !domain.CanTransition(t.State, to) {
		return domain.ErrInvalidTransition
	}
	t.State = to
	t.Error = errMsg
	t.ChunkCount = chunkCount
	if to == domain.IngestionTaskRunning {
		t.Attempts++
	}
	m.transitions = append(m.transitions, to)
	return nil
}

func (m *memoryTasks) SetDispatch(ctx context.Context, id string, mode domain.DispatchMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Dispatch = mode
	return nil
}

func (m *memoryTasks) get(id string) domain.IngestionTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

// memoryChunks replaces a document's chunks on every store.
type memoryChunks struct {
	mu     sync.Mutex
	stores int
	docs   map[string][]domain.TextChunk
	meta   map[string]any
	err    error
}

func newMemoryChunks() *memoryChunks {
	return &memoryChunks{docs: map[string][]domain.TextChunk{}}
}

func (m *memoryChunks) Store(ctx context.Context, documentID string, chunks []domain.TextChunk, vectors [][]float32, metadata map[string]any) error {
	if m.err != nil {
		return m.err
	}
	if len(chunks) != len(vectors) {
		return domain.ErrChunkVectorCount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	m.docs[documentID] = chunks
	m.meta = metadata
	return nil
}

// fakeEmbedder returns a deterministic vector per text. Texts listed in
// oom fail as a BatchError.
type fakeEmbedder struct {
	oom   map[string]bool
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	failed := map[int]error{}
	for i, t := range texts {
		if f.oom[t] {
			failed[i] = domain.ErrOutOfMemory
			continue
		}
		vectors[i] = []float32{float32(len(t)), 1, 0}
	}
	if len(failed) > 0 {
		return vectors, &embedding.BatchError{Failed: failed}
	}
	return vectors, nil
}

// failingExtractor always fails.
type failingExtractor struct{ err error }

func (f failingExtractor) Extract(data []byte, filename string) (string, error) {
	return "", f.err
}

type ingestionFixture struct {
	tasks     *memoryTasks
	documents *MockDocumentRepository
	locker    *fakeLocker
	objects   *MockObjectGetter
	embedder  *fakeEmbedder
	store     *memoryChunks
	deps      IngestionDeps
}

const contractText = "Договор поставки № 12\n\nПоставщик обязуется передать товар в течение 10 дней. Срочно.\n\n" +
	"Покупатель оплачивает товар по счету в течение 5 банковских дней после приемки."

func newIngestionFixture(doc *domain.Document, content string) *ingestionFixture {
	f := &ingestionFixture{
		tasks:     newMemoryTasks(domain.NewIngestionTask("task-1", doc.ID, fixedTime)),
		documents: new(MockDocumentRepository),
		locker:    newFakeLocker(),
		objects:   new(MockObjectGetter),
		embedder:  &fakeEmbedder{},
		store:     newMemoryChunks(),
	}
	f.documents.On("GetByID", mock.Anything, doc.ID).Return(doc, nil)
	f.objects.On("GetObject", mock.Anything, doc.Path).Return([]byte(content), nil)
	f.deps = IngestionDeps{
		Tasks:      f.tasks,
		Documents:  f.documents,
		Locker:     f.locker,
		Objects:    f.objects,
		Extractor:  extract.New(),
		Classifier: NewClassifier(nil, DefaultClassifierConfig(), nil),
		Embedder:   f.embedder,
		Store:      f.store,
	}
	return f
}

func testDocument() *domain.Document {
	return &domain.Document{ID: "doc-1", Title: "Договор поставки", Path: "uploads/contract.txt"}
}

func smallChunks() ChunkConfig {
	return ChunkConfig{Size: 60, Overlap: 10}
}

func TestIngestionService_Run(t *testing.T) {
	doc := testDocument()
	f := newIngestionFixture(doc, contractText)
	var stored *domain.ClassificationResult
	f.documents.On("UpdateClassification", mock.Anything, "doc-1", mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(2).(*domain.ClassificationResult) }).
		Return(nil)

	svc := NewIngestionService(f.deps, smallChunks(), nil)
	err := svc.Run(context.Background(), "task-1")

	require.NoError(t, err)
	want := Chunk(contractText, smallChunks())
	task := f.tasks.get("task-1")
	assert.Equal(t, domain.IngestionTaskSucceeded, task.State)
	assert.Equal(t, len(want), task.ChunkCount)
	assert.Empty(t, task.Error)
	assert.Equal(t, []domain.IngestionTaskState{domain.IngestionTaskRunning, domain.IngestionTaskSucceeded}, f.tasks.transitions)

	assert.Equal(t, want, f.store.docs["doc-1"])
	assert.Equal(t, "uploads/contract.txt", f.store.meta["source_path"])
	assert.Equal(t, domain.DocumentTypeContract, f.store.meta["document_type"])

	require.NotNil(t, stored)
	assert.Equal(t, domain.DocumentTypeContract, stored.Type)
	assert.Equal(t, domain.PriorityHigh, stored.Priority)
	assert.Equal(t, []string{"txt", "contract"}, stored.Tags)

	assert.Equal(t, 1, f.locker.locked["doc-1"])
	assert.Equal(t, 1, f.locker.released["doc-1"])
}

func TestIngestionService_RerunReplacesChunks(t *testing.T) {
	doc := testDocument()
	f := newIngestionFixture(doc, contractText)
	f.documents.On("UpdateClassification", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.tasks.Create(context.Background(), domain.NewIngestionTask("task-2", doc.ID, fixedTime)))

	svc := NewIngestionService(f.deps, smallChunks(), nil)
	require.NoError(t, svc.Run(context.Background(), "task-1"))
	first := f.store.docs["doc-1"]
	require.NoError(t, svc.Run(context.Background(), "task-2"))

	assert.Equal(t, 2, f.store.stores)
	assert.Equal(t, first, f.store.docs["doc-1"])
	assert.Equal(t, len(Chunk(contractText, smallChunks())), f.tasks.get("task-2").ChunkCount)
	assert.Equal(t, 2, f.locker.released["doc-1"])
}

func TestIngestionService_RedeliveredTaskRunsAgain(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.documents.On("UpdateClassification", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewIngestionService(f.deps, smallChunks(), nil)
	require.NoError(t, svc.Run(context.Background(), "task-1"))
	require.NoError(t, svc.Run(context.Background(), "task-1"))

	task := f.tasks.get("task-1")
	assert.Equal(t, domain.IngestionTaskSucceeded, task.State)
	assert.Equal(t, int32(2), task.Attempts)
}

func TestIngestionService_ExtractionFailure(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.deps.Extractor = failingExtractor{err: fmt.Errorf("%w: truncated", domain.ErrCorruptFile)}

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.ErrorIs(t, err, domain.ErrCorruptFile)
	task := f.tasks.get("task-1")
	assert.Equal(t, domain.IngestionTaskFailed, task.State)
	assert.Contains(t, task.Error, "corrupt file")
	assert.Zero(t, f.store.stores)
	assert.Zero(t, f.embedder.calls)
	assert.Equal(t, 1, f.locker.released["doc-1"])
}

func TestIngestionService_UnsupportedFormat(t *testing.T) {
	doc := &domain.Document{ID: "doc-1", Title: "scan", Path: "uploads/scan.tiff"}
	f := newIngestionFixture(doc, "binary")

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
	assert.Equal(t, domain.IngestionTaskFailed, f.tasks.get("task-1").State)
}

func TestIngestionService_TooLittleText(t *testing.T) {
	f := newIngestionFixture(testDocument(), "  короткий \n")

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.ErrorIs(t, err, domain.ErrNoTextContent)
	assert.Equal(t, domain.IngestionTaskFailed, f.tasks.get("task-1").State)
}

func TestIngestionService_DownloadFailure(t *testing.T) {
	doc := testDocument()
	f := newIngestionFixture(doc, "")
	f.objects.ExpectedCalls = nil
	f.objects.On("GetObject", mock.Anything, doc.Path).Return(nil, errors.New("object not found"))

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.Error(t, err)
	assert.Contains(t, f.tasks.get("task-1").Error, "object not found")
}

func TestIngestionService_DeletedDocument(t *testing.T) {
	doc := testDocument()
	doc.Deleted = true
	f := newIngestionFixture(doc, contractText)

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.ErrorIs(t, err, domain.ErrDocumentDeleted)
	assert.Equal(t, domain.IngestionTaskFailed, f.tasks.get("task-1").State)
	f.objects.AssertNotCalled(t, "GetObject", mock.Anything, mock.Anything)
}

func TestIngestionService_ClassificationStoreFailureIsWarning(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.documents.On("UpdateClassification", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("deadlock detected"))

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	require.NoError(t, err)
	task := f.tasks.get("task-1")
	assert.Equal(t, domain.IngestionTaskSucceeded, task.State)
	assert.Contains(t, task.Error, "classification not stored")
	assert.NotEmpty(t, f.store.docs["doc-1"])
}

func TestIngestionService_EmbeddingFailureStillClassifies(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.embedder.err = domain.ErrModelUnavailable
	f.documents.On("UpdateClassification", mock.Anything, "doc-1", mock.Anything).Return(nil)

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
	assert.Equal(t, domain.IngestionTaskFailed, f.tasks.get("task-1").State)
	f.documents.AssertCalled(t, "UpdateClassification", mock.Anything, "doc-1", mock.Anything)
	assert.Zero(t, f.store.stores)
}

func TestIngestionService_SkipsChunksThatRunOutOfMemory(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.documents.On("UpdateClassification", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	all := Chunk(contractText, smallChunks())
	require.Greater(t, len(all), 1)
	f.embedder.oom = map[string]bool{all[0].Text: true}

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	require.NoError(t, err)
	task := f.tasks.get("task-1")
	assert.Equal(t, len(all)-1, task.ChunkCount)
	assert.Contains(t, task.Error, "1 chunks could not be embedded")
	assert.Equal(t, all[1:], f.store.docs["doc-1"])
}

func TestIngestionService_AllChunksOutOfMemory(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.documents.On("UpdateClassification", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.embedder.oom = map[string]bool{}
	for _, c := range Chunk(contractText, smallChunks()) {
		f.embedder.oom[c.Text] = true
	}

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.ErrorIs(t, err, domain.ErrOutOfMemory)
	assert.Equal(t, domain.IngestionTaskFailed, f.tasks.get("task-1").State)
}

func TestIngestionService_StoreFailure(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.documents.On("UpdateClassification", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.store.err = fmt.Errorf("%w: column is vector(1536)", domain.ErrDimensionMismatch)

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Equal(t, domain.IngestionTaskFailed, f.tasks.get("task-1").State)
}

func TestIngestionService_CachesDocument(t *testing.T) {
	doc := testDocument()
	f := newIngestionFixture(doc, contractText)
	f.documents.On("UpdateClassification", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	cache := new(MockDocumentCacher)
	cache.On("Put", mock.Anything, "doc-1", []byte(contractText), mock.MatchedBy(func(m map[string]any) bool {
		return m["path"] == doc.Path && m["type"] == domain.DocumentTypeContract
	})).Return(errors.New("redis down"))
	f.deps.Cache = cache

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	require.NoError(t, err)
	cache.AssertExpectations(t)
}

func TestIngestionService_LockFailure(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)
	f.locker.err = errors.New("pool closed")

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "task-1")

	assert.Error(t, err)
	assert.Equal(t, domain.IngestionTaskQueued, f.tasks.get("task-1").State)
}

func TestIngestionService_UnknownTask(t *testing.T) {
	f := newIngestionFixture(testDocument(), contractText)

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestIngestionService_CancelledRunIsRecorded(t *testing.T) {
	doc := testDocument()
	f := newIngestionFixture(doc, contractText)
	ctx, cancel := context.WithCancel(context.Background())
	f.objects.ExpectedCalls = nil
	f.objects.On("GetObject", mock.Anything, doc.Path).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)

	err := NewIngestionService(f.deps, smallChunks(), nil).Run(ctx, "task-1")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.IngestionTaskFailed, f.tasks.get("task-1").State)
}

func TestHasEnoughText(t *testing.T) {
	assert.False(t, hasEnoughText(" a b c d e f g h i "))
	assert.True(t, hasEnoughText("abcdefghij"))
	assert.False(t, hasEnoughText(strings.Repeat(" \n", 50)))
}
