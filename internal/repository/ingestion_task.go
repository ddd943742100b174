package repository

import (
	"context"
	"errors"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IngestionTaskRepository struct {
	db dbtx
}

func NewIngestionTaskRepository(pool *pgxpool.Pool) *IngestionTaskRepository {
	return &IngestionTaskRepository{db: pool}
}

const taskColumns = `id, document_id, state, dispatch, attempts, error, chunk_count, created_at, started_at, finished_at`

func (r *IngestionTaskRepository) Create(ctx context.Context, task *domain.IngestionTask) error {
	if err := domain.ValidateIngestionTask(task); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid ingestion task", err)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO ingestion_tasks (id, document_id, state, dispatch, attempts, error, chunk_count, created_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.DocumentID, task.State, task.Dispatch, task.Attempts, nullableString(task.Error),
		task.ChunkCount, task.CreatedAt, task.StartedAt, task.FinishedAt,
	)
	return err
}

func (r *IngestionTaskRepository) GetByID(ctx context.Context, id string) (*domain.IngestionTask, error) {
	task, err := scanTask(r.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM ingestion_tasks WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// LatestForDocument returns the most recently created task for a document.
func (r *IngestionTaskRepository) LatestForDocument(ctx context.Context, documentID string) (*domain.IngestionTask, error) {
	task, err := scanTask(r.db.QueryRow(ctx,
		`SELECT `+taskColumns+`
		 FROM ingestion_tasks
		 WHERE document_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		documentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// Transition moves a task to a new state. Entering running counts an attempt
// and clears the previous outcome; entering a terminal state stamps
// finished_at.
func (r *IngestionTaskRepository) Transition(ctx context.Context, id string, to domain.IngestionTaskState, errMsg string, chunkCount int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE ingestion_tasks
		 SET state = $2,
		     attempts = attempts + CASE WHEN $2 = 'running' THEN 1 ELSE 0 END,
		     started_at = CASE WHEN $2 = 'running' THEN NOW() ELSE started_at END,
		     finished_at = CASE WHEN $2 IN ('succeeded', 'failed') THEN NOW() ELSE NULL END,
		     error = $3,
		     chunk_count = $4
		 WHERE id = $1`,
		id, string(to), nullableString(errMsg), chunkCount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *IngestionTaskRepository) SetDispatch(ctx context.Context, id string, mode domain.DispatchMode) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE ingestion_tasks SET dispatch = $2 WHERE id = $1`,
		id, string(mode),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.IngestionTask, error) {
	var task domain.IngestionTask
	var errMsg pgtype.Text
	err := row.Scan(&task.ID, &task.DocumentID, &task.State, &task.Dispatch, &task.Attempts, &errMsg,
		&task.ChunkCount, &task.CreatedAt, &task.StartedAt, &task.FinishedAt)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	return &task, nil
}
