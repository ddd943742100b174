package service

import "context"

type testTxRepos struct {
	chunks  ChunkRepositoryInterface
	locked  []string
	lockErr error
}

func (t *testTxRepos) Chunks() ChunkRepositoryInterface {
	return t.chunks
}

func (t *testTxRepos) LockDocument(ctx context.Context, documentID string) error {
	t.locked = append(t.locked, documentID)
	return t.lockErr
}

type testTxRunner struct {
	repos  TxRepositories
	called bool
	err    error
}

func (t *testTxRunner) WithTx(ctx context.Context, fn func(repos TxRepositories) error) error {
	t.called = true
	if t.err != nil {
		return t.err
	}
	return fn(t.repos)
}
