package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/api"
	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/go-chi/chi/v5"
)

type IngestionDispatcher interface {
	Enqueue(ctx context.Context, documentID string) (*domain.IngestionTask, error)
	Status(ctx context.Context, documentID string) (*domain.IngestionTask, error)
}

type ChunkDeleter interface {
	DeleteDocumentChunks(ctx context.Context, documentID string) (int64, error)
}

type DocumentHandler struct {
	dispatcher IngestionDispatcher
	chunks     ChunkDeleter
}

func NewDocumentHandler(dispatcher IngestionDispatcher, chunks ChunkDeleter) *DocumentHandler {
	return &DocumentHandler{dispatcher: dispatcher, chunks: chunks}
}

type IngestionTaskResponse struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	State      string  `json:"state"`
	Dispatch   string  `json:"dispatch"`
	Attempts   int32   `json:"attempts"`
	Error      string  `json:"error,omitempty"`
	ChunkCount int     `json:"chunk_count"`
	CreatedAt  string  `json:"created_at"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// NewIngestionTaskResponse converts a task to its wire form.
func NewIngestionTaskResponse(t *domain.IngestionTask) *IngestionTaskResponse {
	return &IngestionTaskResponse{
		ID:         t.ID,
		DocumentID: t.DocumentID,
		State:      string(t.State),
		Dispatch:   string(t.Dispatch),
		Attempts:   t.Attempts,
		Error:      t.Error,
		ChunkCount: t.ChunkCount,
		CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:  formatTime(t.StartedAt),
		FinishedAt: formatTime(t.FinishedAt),
	}
}

// Ingest queues a new ingestion run for the document.
func (h *DocumentHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	task, err := h.dispatcher.Enqueue(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, NewIngestionTaskResponse(task))
}

// Status returns the latest ingestion run of the document.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	task, err := h.dispatcher.Status(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, NewIngestionTaskResponse(task))
}

// DeleteChunks removes every indexed chunk of a permanently deleted document.
func (h *DocumentHandler) DeleteChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	deleted, err := h.chunks.DeleteDocumentChunks(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
