package service

import (
	"context"
	"fmt"
	"log"
)

// ChunkDeleter removes every chunk of a document.
type ChunkDeleter interface {
	DeleteDocumentChunks(ctx context.Context, documentID string) (int64, error)
}

// CacheEvicter drops cached document bytes.
type CacheEvicter interface {
	Delete(ctx context.Context, documentID string) error
}

// Purger takes a permanently deleted document out of search and out of the
// document cache.
type Purger struct {
	chunks ChunkDeleter
	cache  CacheEvicter
}

// NewPurger creates a Purger. cache may be nil.
func NewPurger(chunks ChunkDeleter, cache CacheEvicter) *Purger {
	return &Purger{chunks: chunks, cache: cache}
}

// DeleteDocumentChunks returns the number of chunks removed. A failed cache
// eviction is logged; the entry expires with its TTL.
func (p *Purger) DeleteDocumentChunks(ctx context.Context, documentID string) (int64, error) {
	n, err := p.chunks.DeleteDocumentChunks(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("purge document %s: %w", documentID, err)
	}
	if p.cache != nil {
		if err := p.cache.Delete(ctx, documentID); err != nil {
			log.Printf("purge: evicting cached document %s failed: %v", documentID, err)
		}
	}
	return n, nil
}
