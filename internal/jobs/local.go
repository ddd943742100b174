package jobs

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LocalRunner runs ingestion tasks inside the current process when the
// task queue is unreachable. Work still pending when the process exits is
// lost.
type LocalRunner struct {
	runner TaskRunner
	sem    *semaphore.Weighted
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewLocalRunner creates a runner executing at most concurrency tasks at a
// time. Tasks run under ctx; cancelling it abandons queued tasks.
func NewLocalRunner(ctx context.Context, runner TaskRunner, concurrency int) *LocalRunner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &LocalRunner{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
	}
}

// Submit schedules a task and returns immediately.
func (l *LocalRunner) Submit(taskID string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.sem.Acquire(l.ctx, 1); err != nil {
			log.Printf("local runner: task %s abandoned: %v", taskID, err)
			return
		}
		defer l.sem.Release(1)

		if err := l.runner.Run(l.ctx, taskID); err != nil {
			log.Printf("local runner: task %s failed: %v", taskID, err)
		}
	}()
}

// Wait blocks until every submitted task has finished.
func (l *LocalRunner) Wait() {
	l.wg.Wait()
}
