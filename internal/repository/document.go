package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DocumentRepository reads document records and writes classification
// results back to them.
type DocumentRepository struct {
	db dbtx
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: pool}
}

// Create inserts a document record.
func (r *DocumentRepository) Create(ctx context.Context, d *domain.Document) error {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	updatedAt := d.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	docType := d.Type
	if docType == "" {
		docType = domain.DocumentTypeScan
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO documents (id, title, type, path, description, tags, is_deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		d.ID, d.Title, docType, d.Path, d.Description, tags, d.Deleted, updatedAt,
	)
	return err
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var d domain.Document
	var rawClassification []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, title, type, path, description, tags, is_deleted, classification, updated_at
		 FROM documents WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.Title, &d.Type, &d.Path, &d.Description, &d.Tags, &d.Deleted, &rawClassification, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, err
	}
	if len(rawClassification) > 0 {
		var c domain.ClassificationResult
		if err := json.Unmarshal(rawClassification, &c); err != nil {
			return nil, fmt.Errorf("failed to decode classification: %w", err)
		}
		d.Classification = &c
	}
	return &d, nil
}

// ListActiveIDs returns the ids of all documents that are not soft-deleted,
// oldest first.
func (r *DocumentRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM documents WHERE NOT is_deleted ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateClassification stores a classification result and copies its type,
// description and tags onto the document.
func (r *DocumentRepository) UpdateClassification(ctx context.Context, id string, c *domain.ClassificationResult) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode classification: %w", err)
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE documents
		 SET type = $2, description = $3, tags = $4, classification = $5, updated_at = NOW()
		 WHERE id = $1`,
		id, c.Type, c.Description, tags, raw,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

// SoftDelete marks a document deleted. Its chunks stay stored but stop
// appearing in search results.
func (r *DocumentRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE documents SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}
