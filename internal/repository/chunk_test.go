//go:build integration

package repository

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/service"
	"github.com/cloo-solutions/siriusdms/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDimension = 2560

// axisVector returns a unit vector whose cosine similarity with basis(0) is sim.
func axisVector(sim float64) []float32 {
	v := make([]float32, testDimension)
	v[0] = float32(sim)
	v[1] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func basis(i int) []float32 {
	v := make([]float32, testDimension)
	v[i] = 1
	return v
}

func createDocument(ctx context.Context, t *testing.T, pool *pgxpool.Pool, title string) *domain.Document {
	t.Helper()
	d := &domain.Document{
		ID:        uuid.NewString(),
		Title:     title,
		Type:      domain.DocumentTypeScan,
		Path:      "documents/" + title + ".txt",
		UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, NewDocumentRepository(pool).Create(ctx, d))
	return d
}

func chunkWith(seq int, text string, vec []float32) domain.Chunk {
	return domain.Chunk{
		SequenceIndex: seq,
		Text:          text,
		StartOffset:   seq * 10,
		EndOffset:     seq*10 + len([]rune(text)),
		Embedding:     vec,
		Metadata:      map[string]any{"filename": "doc.txt"},
	}
}

func TestChunkRepository_ReplaceForDocument(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	doc := createDocument(ctx, t, pool, "contract")
	repo := NewChunkRepository(pool, testDimension)

	first := []domain.Chunk{
		chunkWith(0, "first version a", basis(0)),
		chunkWith(1, "first version b", basis(1)),
		chunkWith(2, "first version c", basis(2)),
	}
	require.NoError(t, repo.ReplaceForDocument(ctx, doc.ID, first))

	second := []domain.Chunk{
		chunkWith(1, "second version b", basis(4)),
		chunkWith(0, "second version a", basis(3)),
	}
	require.NoError(t, repo.ReplaceForDocument(ctx, doc.ID, second))

	stored, err := repo.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 0, stored[0].SequenceIndex)
	assert.Equal(t, "second version a", stored[0].Text)
	assert.Equal(t, basis(3), stored[0].Embedding)
	assert.Equal(t, "doc.txt", stored[0].Metadata["filename"])
	assert.Equal(t, 1, stored[1].SequenceIndex)
	assert.Equal(t, "second version b", stored[1].Text)
}

func TestChunkRepository_ReplaceIsAtomicInTx(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	doc := createDocument(ctx, t, pool, "invoice")
	repo := NewChunkRepository(pool, testDimension)
	require.NoError(t, repo.ReplaceForDocument(ctx, doc.ID, []domain.Chunk{chunkWith(0, "kept", basis(0))}))

	// duplicate sequence index fails the second insert
	broken := []domain.Chunk{
		chunkWith(0, "new a", basis(1)),
		chunkWith(0, "new a again", basis(2)),
	}
	txErr := NewTxRunner(pool).WithTx(ctx, func(repos service.TxRepositories) error {
		return repos.Chunks().ReplaceForDocument(ctx, doc.ID, broken)
	})
	require.Error(t, txErr)

	stored, err := repo.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "kept", stored[0].Text)
}

func TestChunkRepository_Search(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	strong := createDocument(ctx, t, pool, "poland-export-license")
	weakA := createDocument(ctx, t, pool, "weak-a")
	weakB := createDocument(ctx, t, pool, "weak-b")

	for _, indexDim := range []int{0, testDimension} {
		repo := NewChunkRepository(pool, indexDim)
		require.NoError(t, repo.ReplaceForDocument(ctx, strong.ID, []domain.Chunk{chunkWith(0, "license", axisVector(0.95))}))
		require.NoError(t, repo.ReplaceForDocument(ctx, weakA.ID, []domain.Chunk{chunkWith(0, "other a", axisVector(0.4))}))
		require.NoError(t, repo.ReplaceForDocument(ctx, weakB.ID, []domain.Chunk{chunkWith(0, "other b", axisVector(0.4))}))

		results, err := repo.Search(ctx, basis(0), 10)
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.Equal(t, strong.ID, results[0].DocumentID)
		assert.InDelta(t, 0.95, results[0].Similarity, 1e-4)
		assert.Equal(t, "poland-export-license", results[0].DocumentTitle)
		assert.Equal(t, strong.Path, results[0].DocumentPath)
		assert.Equal(t, domain.DocumentTypeScan, results[0].DocumentType)

		// equal similarity keeps insertion order
		assert.Equal(t, weakA.ID, results[1].DocumentID)
		assert.Equal(t, weakB.ID, results[2].DocumentID)
		assert.InDelta(t, 0.4, results[1].Similarity, 1e-4)

		limited, err := repo.Search(ctx, basis(0), 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	}
}

func TestChunkRepository_SearchExcludesSoftDeleted(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	live := createDocument(ctx, t, pool, "live")
	deleted := createDocument(ctx, t, pool, "deleted")
	repo := NewChunkRepository(pool, testDimension)
	require.NoError(t, repo.ReplaceForDocument(ctx, live.ID, []domain.Chunk{chunkWith(0, "live", axisVector(0.5))}))
	require.NoError(t, repo.ReplaceForDocument(ctx, deleted.ID, []domain.Chunk{chunkWith(0, "deleted", axisVector(0.99))}))

	require.NoError(t, NewDocumentRepository(pool).SoftDelete(ctx, deleted.ID))

	results, err := repo.Search(ctx, basis(0), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, live.ID, results[0].DocumentID)
}

func TestChunkRepository_SearchFillsTopKPastDeletedNeighbours(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewChunkRepository(pool, testDimension)
	docs := NewDocumentRepository(pool)
	// more deleted near-duplicates than the default candidate count
	for i := 0; i < 60; i++ {
		d := createDocument(ctx, t, pool, fmt.Sprintf("deleted-%02d", i))
		require.NoError(t, repo.ReplaceForDocument(ctx, d.ID, []domain.Chunk{chunkWith(0, "near", axisVector(0.99))}))
		require.NoError(t, docs.SoftDelete(ctx, d.ID))
	}
	liveA := createDocument(ctx, t, pool, "live-a")
	liveB := createDocument(ctx, t, pool, "live-b")
	require.NoError(t, repo.ReplaceForDocument(ctx, liveA.ID, []domain.Chunk{chunkWith(0, "a", axisVector(0.3))}))
	require.NoError(t, repo.ReplaceForDocument(ctx, liveB.ID, []domain.Chunk{chunkWith(0, "b", axisVector(0.2))}))

	results, err := repo.Search(ctx, basis(0), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, liveA.ID, results[0].DocumentID)
	assert.Equal(t, liveB.ID, results[1].DocumentID)
}

func TestChunkRepository_DeleteByDocument(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	doc := createDocument(ctx, t, pool, "act")
	repo := NewChunkRepository(pool, testDimension)
	require.NoError(t, repo.ReplaceForDocument(ctx, doc.ID, []domain.Chunk{
		chunkWith(0, "a", basis(0)),
		chunkWith(1, "b", basis(1)),
	}))

	deleted, err := repo.DeleteByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	stored, err := repo.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestChunkRepository_ColumnDimension(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	dim, err := NewChunkRepository(pool, 0).ColumnDimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, testDimension, dim)
}

func TestChunkRepository_RejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	doc := createDocument(ctx, t, pool, "short")
	err := NewChunkRepository(pool, 0).ReplaceForDocument(ctx, doc.ID, []domain.Chunk{
		chunkWith(0, "short vector", []float32{1, 0, 0}),
	})
	assert.Error(t, err)
}

func TestTxRunner_LockDocumentSerialisesWriters(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	doc := createDocument(ctx, t, pool, "contract")
	runner := NewTxRunner(pool)

	holding := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- runner.WithTx(ctx, func(repos service.TxRepositories) error {
			if err := repos.LockDocument(ctx, doc.ID); err != nil {
				return err
			}
			close(holding)
			<-release
			return repos.Chunks().ReplaceForDocument(ctx, doc.ID, []domain.Chunk{chunkWith(0, "first", basis(0))})
		})
	}()
	<-holding

	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	blocked := runner.WithTx(waitCtx, func(repos service.TxRepositories) error {
		return repos.LockDocument(waitCtx, doc.ID)
	})
	require.Error(t, blocked)

	close(release)
	require.NoError(t, <-firstDone)

	require.NoError(t, runner.WithTx(ctx, func(repos service.TxRepositories) error {
		if err := repos.LockDocument(ctx, doc.ID); err != nil {
			return err
		}
		return repos.Chunks().ReplaceForDocument(ctx, doc.ID, []domain.Chunk{chunkWith(0, "second", basis(1))})
	}))

	stored, err := NewChunkRepository(pool, testDimension).ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "second", stored[0].Text)
}
