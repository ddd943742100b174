// Package cache keeps recently ingested document bytes in Redis so query
// results can report which documents are immediately available.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a cached document stays available.
const DefaultTTL = 7 * 24 * time.Hour

// CachedDocument is the value stored for a document.
type CachedDocument struct {
	Data     []byte         `json:"data"`
	Metadata map[string]any `json:"metadata"`
	Size     int            `json:"size"`
}

// DocumentCache stores document bytes under document:<id>.
type DocumentCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDocumentCache creates a cache. A non-positive ttl uses DefaultTTL.
func NewDocumentCache(client *redis.Client, ttl time.Duration) *DocumentCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DocumentCache{client: client, ttl: ttl}
}

func documentKey(id string) string {
	return fmt.Sprintf("document:%s", id)
}

// Put stores data for a document and resets its expiry.
func (c *DocumentCache) Put(ctx context.Context, documentID string, data []byte, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(CachedDocument{Data: data, Metadata: metadata, Size: len(data)})
	if err != nil {
		return fmt.Errorf("marshal cached document: %w", err)
	}
	if err := c.client.Set(ctx, documentKey(documentID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache document %s: %w", documentID, err)
	}
	return nil
}

// Get returns the cached document, or nil when it is not cached.
func (c *DocumentCache) Get(ctx context.Context, documentID string) (*CachedDocument, error) {
	raw, err := c.client.Get(ctx, documentKey(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached document %s: %w", documentID, err)
	}

	var doc CachedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode cached document %s: %w", documentID, err)
	}
	return &doc, nil
}

// Available reports which of the given documents are cached. Missing ids
// map to false; a Redis failure marks every id unavailable.
func (c *DocumentCache) Available(ctx context.Context, documentIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(documentIDs))
	if len(documentIDs) == 0 {
		return out, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(documentIDs))
	for i, id := range documentIDs {
		cmds[i] = pipe.Exists(ctx, documentKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		for _, id := range documentIDs {
			out[id] = false
		}
		return out, fmt.Errorf("check cached documents: %w", err)
	}
	for i, id := range documentIDs {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}

// Delete removes a document from the cache.
func (c *DocumentCache) Delete(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, documentKey(documentID)).Err(); err != nil {
		return fmt.Errorf("delete cached document %s: %w", documentID, err)
	}
	return nil
}
