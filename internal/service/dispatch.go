package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/metrics"
	"github.com/cloo-solutions/siriusdms/internal/queue"
)

// IngestPublisher hands ingestion requests to the durable task queue.
type IngestPublisher interface {
	PublishIngest(ctx context.Context, req queue.IngestRequest) (string, error)
}

// LocalSubmitter runs tasks in the current process.
type LocalSubmitter interface {
	Submit(taskID string)
}

// Dispatcher creates ingestion tasks and routes them to a worker.
type Dispatcher struct {
	tasks     IngestionTaskRepositoryInterface
	documents DocumentRepositoryInterface
	publisher IngestPublisher
	local     LocalSubmitter
	uuidGen   UUIDGenerator
	now       func() time.Time
	metrics   *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. publisher may be nil, in which case
// every task runs locally.
func NewDispatcher(tasks IngestionTaskRepositoryInterface, documents DocumentRepositoryInterface, publisher IngestPublisher, local LocalSubmitter, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		tasks:     tasks,
		documents: documents,
		publisher: publisher,
		local:     local,
		uuidGen:   &DefaultUUIDGenerator{},
		now:       time.Now,
		metrics:   m,
	}
}

// Enqueue records a queued task for the document and dispatches it. When
// the queue cannot be reached the task runs in-process instead.
func (d *Dispatcher) Enqueue(ctx context.Context, documentID string) (*domain.IngestionTask, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id: %w", domain.ErrMissingRequiredField)
	}
	doc, err := d.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, domain.ErrDocumentDeleted
	}

	task := domain.NewIngestionTask(d.uuidGen.Generate(), documentID, d.now().UTC())
	if err := d.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create ingestion task: %w", err)
	}

	if d.publisher != nil {
		_, err := d.publisher.PublishIngest(ctx, queue.IngestRequest{TaskID: task.ID, DocumentID: documentID})
		if err == nil {
			d.metrics.Dispatch(string(domain.DispatchQueue))
			return task, nil
		}
		log.Printf("dispatch: task queue unreachable, running task %s in-process: %v", task.ID, err)
	}

	if d.local == nil {
		return nil, fmt.Errorf("dispatch task %s: no task queue and no local runner", task.ID)
	}
	if err := d.tasks.SetDispatch(ctx, task.ID, domain.DispatchLocal); err != nil {
		log.Printf("dispatch: failed to record local dispatch of task %s: %v", task.ID, err)
	}
	task.Dispatch = domain.DispatchLocal
	d.local.Submit(task.ID)
	d.metrics.Dispatch(string(domain.DispatchLocal))
	return task, nil
}

// Status returns the most recent ingestion task of a document.
func (d *Dispatcher) Status(ctx context.Context, documentID string) (*domain.IngestionTask, error) {
	return d.tasks.LatestForDocument(ctx, documentID)
}

// Reindex enqueues every document that is not deleted. It returns how many
// tasks were dispatched together with the errors of those that were not.
func (d *Dispatcher) Reindex(ctx context.Context) (int, error) {
	ids, err := d.documents.ListActiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}

	var errs []error
	queued := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := d.Enqueue(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", id, err))
			continue
		}
		queued++
	}
	log.Printf("dispatch: reindex queued %d of %d documents", queued, len(ids))
	return queued, errors.Join(errs...)
}
