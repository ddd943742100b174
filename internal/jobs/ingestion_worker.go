package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/queue"
)

const (
	// MaxDeliveries caps how often one stream entry is handed to a worker;
	// the delivery that reaches it is acknowledged without running. Entries
	// are only redelivered when a worker died mid-run.
	MaxDeliveries = 5

	defaultReadCount  = 4
	defaultReadBlock  = 2 * time.Second
	defaultClaimAfter = 15 * time.Minute
)

// StreamConsumer reads ingestion requests from the task queue.
type StreamConsumer interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64, block time.Duration) ([]queue.Message, error)
	AutoClaim(ctx context.Context, minIdle time.Duration, start string, count int64) ([]queue.Message, string, error)
	Ack(ctx context.Context, ids ...string) error
}

// TaskRunner runs one ingestion task.
type TaskRunner interface {
	Run(ctx context.Context, taskID string) error
}

// IngestionWorkerConfig tunes stream consumption.
type IngestionWorkerConfig struct {
	ReadCount int64
	ReadBlock time.Duration
	// ClaimAfter is how long an entry may stay unacknowledged before another
	// worker takes it over.
	ClaimAfter time.Duration
}

// IngestionWorker consumes ingestion requests from the stream.
type IngestionWorker struct {
	consumer    StreamConsumer
	runner      TaskRunner
	cfg         IngestionWorkerConfig
	claimCursor string
}

// NewIngestionWorker creates a new IngestionWorker instance
func NewIngestionWorker(consumer StreamConsumer, runner TaskRunner, cfg IngestionWorkerConfig) *IngestionWorker {
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = defaultReadCount
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = defaultReadBlock
	}
	if cfg.ClaimAfter <= 0 {
		cfg.ClaimAfter = defaultClaimAfter
	}
	return &IngestionWorker{consumer: consumer, runner: runner, cfg: cfg, claimCursor: "0-0"}
}

// Poll reclaims entries abandoned by crashed workers, then reads new ones,
// and runs them in order.
func (w *IngestionWorker) Poll(ctx context.Context) (int, error) {
	claimed, next, err := w.consumer.AutoClaim(ctx, w.cfg.ClaimAfter, w.claimCursor, w.cfg.ReadCount)
	if err != nil {
		log.Printf("ingestion worker: reclaiming stale entries failed: %v", err)
	} else {
		w.claimCursor = next
		if w.claimCursor == "" {
			w.claimCursor = "0-0"
		}
	}

	fresh, err := w.consumer.Read(ctx, w.cfg.ReadCount, w.cfg.ReadBlock)
	if err != nil {
		return len(claimed), err
	}

	messages := append(claimed, fresh...)
	if len(messages) == 0 {
		return 0, nil
	}
	log.Printf("ingestion worker: processing %d ingestion requests", len(messages))

	for _, msg := range messages {
		if ctx.Err() != nil {
			// unacknowledged entries are picked up again after ClaimAfter
			return len(messages), ctx.Err()
		}
		w.processMessage(ctx, msg)
	}
	return len(messages), nil
}

func (w *IngestionWorker) processMessage(ctx context.Context, msg queue.Message) {
	req, err := msg.Envelope.IngestRequest()
	if err != nil {
		log.Printf("ingestion worker: dropping entry %s: %v", msg.ID, err)
		w.ack(ctx, msg.ID)
		return
	}

	if msg.Deliveries >= MaxDeliveries {
		log.Printf("ingestion worker: task %s reached %d deliveries, dropping", req.TaskID, msg.Deliveries)
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.runner.Run(ctx, req.TaskID); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			log.Printf("ingestion worker: task %s interrupted by shutdown", req.TaskID)
			return
		}
		// the failure is recorded on the task; redelivery would not help
		log.Printf("ingestion worker: task %s for document %s failed: %v", req.TaskID, req.DocumentID, err)
	}
	w.ack(ctx, msg.ID)
}

func (w *IngestionWorker) ack(ctx context.Context, id string) {
	if err := w.consumer.Ack(context.WithoutCancel(ctx), id); err != nil {
		log.Printf("ingestion worker: ack %s failed: %v", id, err)
	}
}
