package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

const maxIdleBackoff = 30 * time.Second

// Poller handles one batch of queued work and reports how many items it saw.
type Poller interface {
	Poll(ctx context.Context) (int, error)
}

// Worker drives a Poller. Batches are pulled back to back while work keeps
// arriving; an empty batch waits pollInterval and failures back off
// exponentially up to maxIdleBackoff.
type Worker struct {
	poller       Poller
	pollInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

func NewWorker(poller Poller, pollInterval time.Duration) *Worker {
	return &Worker{
		poller:       poller,
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)
	log.Printf("worker: polling every %v", w.pollInterval)

	wait := time.Duration(0)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("worker: context cancelled")
			return
		case <-w.stop:
			return
		case <-timer.C:
		}

		n, err := w.poller.Poll(ctx)
		switch {
		case err != nil:
			wait = nextBackoff(wait, w.pollInterval)
			log.Printf("worker: poll failed, retrying in %v: %v", wait, err)
		case n > 0:
			wait = 0
		default:
			wait = w.pollInterval
		}
		timer.Reset(wait)
	}
}

// Stop waits for the batch in progress to finish. It is safe to call more
// than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	log.Println("worker: stopped")
}

func nextBackoff(prev, base time.Duration) time.Duration {
	if prev < base {
		return base
	}
	if prev*2 > maxIdleBackoff {
		return maxIdleBackoff
	}
	return prev * 2
}
