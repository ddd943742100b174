package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ChunkRepository handles persistence and similarity search of document chunks.
type ChunkRepository struct {
	db dbtx
	// indexDimension is the dimension of the halfvec HNSW index expression.
	// Zero disables the approximate candidate pass.
	indexDimension int
}

func NewChunkRepository(pool *pgxpool.Pool, indexDimension int) *ChunkRepository {
	return &ChunkRepository{db: pool, indexDimension: indexDimension}
}

func NewChunkRepositoryWithTx(tx dbtx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

// ReplaceForDocument deletes existing chunks for a document and inserts new
// ones. Callers run it inside a transaction so the swap is all-or-nothing.
func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	if _, err := r.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}

	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		rawMetadata, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode chunk metadata: %w", err)
		}

		batch.Queue(insertChunkQuery,
			id,
			documentID,
			c.SequenceIndex,
			c.Text,
			c.StartOffset,
			c.EndOffset,
			pgvector.NewVector(c.Embedding),
			rawMetadata,
			createdAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	for _, c := range chunks {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to insert chunk %d: %w", c.SequenceIndex, err)
		}
	}
	return results.Close()
}

const insertChunkQuery = `INSERT INTO document_chunks
		(id, document_id, sequence_index, text, start_offset, end_offset, embedding, metadata, created_at)
	 VALUES
		($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// DeleteByDocument removes every chunk of a document.
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListByDocument returns a document's chunks in sequence order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, document_id, sequence_index, text, start_offset, end_offset, embedding, metadata, created_at
		 FROM document_chunks
		 WHERE document_id = $1
		 ORDER BY sequence_index`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var embedding pgvector.Vector
		var rawMetadata []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SequenceIndex, &c.Text, &c.StartOffset, &c.EndOffset,
			&embedding, &rawMetadata, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Embedding = embedding.Slice()
		if err := json.Unmarshal(rawMetadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Search returns the topK chunks most similar to vector, excluding chunks of
// soft-deleted documents. Ties keep insertion order.
func (r *ChunkRepository) Search(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	if topK <= 0 {
		topK = 20
	}
	if r.indexDimension <= 0 {
		return r.exactSearch(ctx, vector, topK)
	}

	results, err := r.indexedSearch(ctx, vector, topK)
	if err != nil {
		return nil, err
	}
	if len(results) < topK {
		// soft-deleted chunks can crowd live ones out of the candidate set
		return r.exactSearch(ctx, vector, topK)
	}
	return results, nil
}

func (r *ChunkRepository) exactSearch(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	rows, err := r.db.Query(ctx, exactSearchQuery, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, err
	}
	return scanScoredChunks(rows)
}

// indexedSearch takes approximate candidates from the HNSW index and reranks
// them at full precision. The index yields at most hnsw.ef_search rows, so it
// is raised to the candidate count for the transaction.
func (r *ChunkRepository) indexedSearch(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	candidates := min(max(topK*4, 40), maxEfSearch)
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('hnsw.ef_search', $1, true)`, strconv.Itoa(candidates)); err != nil {
		return nil, fmt.Errorf("failed to set hnsw.ef_search: %w", err)
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(indexedSearchQuery, r.indexDimension),
		pgvector.NewVector(vector), topK, candidates)
	if err != nil {
		return nil, err
	}
	return scanScoredChunks(rows)
}

// maxEfSearch is the largest hnsw.ef_search pgvector accepts.
const maxEfSearch = 1000

func scanScoredChunks(rows pgx.Rows) ([]domain.ScoredChunk, error) {
	defer rows.Close()

	var results []domain.ScoredChunk
	for rows.Next() {
		var sc domain.ScoredChunk
		var rawMetadata []byte
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.SequenceIndex, &sc.Text, &sc.StartOffset, &sc.EndOffset,
			&rawMetadata, &sc.CreatedAt, &sc.DocumentTitle, &sc.DocumentType, &sc.DocumentPath, &sc.Similarity); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawMetadata, &sc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

const searchColumns = `c.id, c.document_id, c.sequence_index, c.text, c.start_offset, c.end_offset,
		c.metadata, c.created_at, c.document_title, c.document_type, c.document_path,
		1 - (c.embedding <=> $1) AS similarity`

const exactSearchQuery = `SELECT ` + searchColumns + `
	FROM searchable_chunks c
	ORDER BY c.embedding <=> $1, c.seq
	LIMIT $2`

const indexedSearchQuery = `WITH candidates AS (
		SELECT id
		FROM searchable_chunks
		ORDER BY embedding::halfvec(%[1]d) <=> $1::vector::halfvec(%[1]d)
		LIMIT $3
	)
	SELECT ` + searchColumns + `
	FROM searchable_chunks c
	JOIN candidates USING (id)
	ORDER BY c.embedding <=> $1, c.seq
	LIMIT $2`

// ColumnDimension returns the declared dimension of the embedding column.
func (r *ChunkRepository) ColumnDimension(ctx context.Context) (int, error) {
	var dim int
	err := r.db.QueryRow(ctx,
		`SELECT atttypmod
		 FROM pg_attribute
		 WHERE attrelid = 'document_chunks'::regclass AND attname = 'embedding'`,
	).Scan(&dim)
	if err != nil {
		return 0, fmt.Errorf("failed to read embedding column dimension: %w", err)
	}
	return dim, nil
}
