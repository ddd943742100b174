package service

import "context"

// TxRepositories is what a chunk-write transaction can touch.
type TxRepositories interface {
	Chunks() ChunkRepositoryInterface
	LockDocument(ctx context.Context, documentID string) error
}

// TxRunner executes fn in one transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(repos TxRepositories) error) error
}
