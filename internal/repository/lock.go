package repository

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serialises work on a document with a session-level Postgres
// advisory lock keyed by the document id.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Lock blocks until the lock for documentID is held. The lock lives on a
// dedicated connection that is returned to the pool by the release function.
func (l *AdvisoryLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, documentID); err != nil {
		conn.Release()
		return nil, err
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, documentID); err != nil {
			// closing the session drops the lock
			log.Printf("repository: failed to release advisory lock for %s: %v", documentID, err)
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
