package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestVectorStore(repo *MockChunkRepository, dim int) (*VectorStore, *testTxRunner) {
	runner := &testTxRunner{repos: &testTxRepos{chunks: repo}}
	store := NewVectorStore(repo, runner, dim)
	gen := new(MockUUIDGenerator)
	gen.On("Generate").Return("chunk-id")
	store.uuidGen = gen
	return store, runner
}

func TestVectorStore_Store(t *testing.T) {
	repo := new(MockChunkRepository)
	store, runner := newTestVectorStore(repo, 3)

	chunks := []domain.TextChunk{
		{Text: "Договор", StartOffset: 0, EndOffset: 7, SequenceIndex: 0},
		{Text: "поставки", StartOffset: 8, EndOffset: 16, SequenceIndex: 1},
	}
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}}

	repo.On("ReplaceForDocument", mock.Anything, "doc-1", mock.MatchedBy(func(records []domain.Chunk) bool {
		if len(records) != 2 {
			return false
		}
		return records[0].SequenceIndex == 0 && records[1].SequenceIndex == 1 &&
			records[1].Text == "поставки" && records[1].DocumentID == "doc-1" &&
			records[1].Embedding[1] == 1 &&
			records[0].Metadata["source_path"] == "a.txt" && records[0].Metadata["chunk_length"] == 7
	})).Return(nil)

	err := store.Store(context.Background(), "doc-1", chunks, vectors, map[string]any{"source_path": "a.txt"})

	require.NoError(t, err)
	assert.True(t, runner.called)
	assert.Equal(t, []string{"doc-1"}, runner.repos.(*testTxRepos).locked)
	repo.AssertExpectations(t)
}

func TestVectorStore_StoreLockFailureSkipsWrite(t *testing.T) {
	repo := new(MockChunkRepository)
	store, runner := newTestVectorStore(repo, 2)
	runner.repos.(*testTxRepos).lockErr = errors.New("lock timeout")

	err := store.Store(context.Background(), "doc-1", []domain.TextChunk{{Text: "a"}}, [][]float32{{1, 0}}, nil)

	assert.ErrorContains(t, err, "lock document doc-1")
	repo.AssertNotCalled(t, "ReplaceForDocument", mock.Anything, mock.Anything, mock.Anything)
}

func TestVectorStore_StoreRejectsCountMismatch(t *testing.T) {
	repo := new(MockChunkRepository)
	store, runner := newTestVectorStore(repo, 3)

	err := store.Store(context.Background(), "doc-1", []domain.TextChunk{{Text: "a"}}, nil, nil)

	assert.ErrorIs(t, err, domain.ErrChunkVectorCount)
	assert.False(t, runner.called)
}

func TestVectorStore_StoreRejectsWrongDimension(t *testing.T) {
	repo := new(MockChunkRepository)
	store, runner := newTestVectorStore(repo, 3)

	err := store.Store(context.Background(), "doc-1",
		[]domain.TextChunk{{Text: "a"}, {Text: "b", SequenceIndex: 1}},
		[][]float32{{1, 0, 0}, {1, 0}}, nil)

	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.False(t, runner.called)
	repo.AssertNotCalled(t, "ReplaceForDocument", mock.Anything, mock.Anything, mock.Anything)
}

func TestVectorStore_StorePropagatesTxError(t *testing.T) {
	repo := new(MockChunkRepository)
	store, runner := newTestVectorStore(repo, 2)
	runner.err = errors.New("connection reset")

	err := store.Store(context.Background(), "doc-1", []domain.TextChunk{{Text: "a"}}, [][]float32{{1, 0}}, nil)

	assert.EqualError(t, err, "connection reset")
}

func TestVectorStore_Search(t *testing.T) {
	repo := new(MockChunkRepository)
	store, _ := newTestVectorStore(repo, 2)
	hits := []domain.ScoredChunk{{Chunk: domain.Chunk{ID: "c1"}, Similarity: 0.9}}
	repo.On("Search", mock.Anything, []float32{1, 0}, 5).Return(hits, nil)

	got, err := store.Search(context.Background(), []float32{1, 0}, 5)

	require.NoError(t, err)
	assert.Equal(t, hits, got)
}

func TestVectorStore_SearchDimensionMismatch(t *testing.T) {
	repo := new(MockChunkRepository)
	store, _ := newTestVectorStore(repo, 2)

	_, err := store.Search(context.Background(), []float32{1, 0, 0}, 5)

	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	repo.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything)
}

func TestVectorStore_CheckDimension(t *testing.T) {
	repo := new(MockChunkRepository)
	store, _ := newTestVectorStore(repo, 2560)

	repo.On("ColumnDimension", mock.Anything).Return(2560, nil).Once()
	assert.NoError(t, store.CheckDimension(context.Background()))

	repo.On("ColumnDimension", mock.Anything).Return(1536, nil).Once()
	err := store.CheckDimension(context.Background())
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "vector(1536)")
}

func TestVectorStore_DeleteDocumentChunks(t *testing.T) {
	repo := new(MockChunkRepository)
	store, _ := newTestVectorStore(repo, 2)
	repo.On("DeleteByDocument", mock.Anything, "doc-1").Return(int64(4), nil)

	n, err := store.DeleteDocumentChunks(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	_, err = store.DeleteDocumentChunks(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMissingRequiredField)
}
