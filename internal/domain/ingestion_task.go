package domain

import (
	"fmt"
	"time"
)

// IngestionTaskState represents the state of an ingestion task
type IngestionTaskState string

const (
	IngestionTaskQueued    IngestionTaskState = "queued"
	IngestionTaskRunning   IngestionTaskState = "running"
	IngestionTaskSucceeded IngestionTaskState = "succeeded"
	IngestionTaskFailed    IngestionTaskState = "failed"
)

// DispatchMode records how a task reached a worker.
type DispatchMode string

const (
	DispatchQueue DispatchMode = "queue"
	DispatchLocal DispatchMode = "local"
)

// IngestionTask tracks one run of the ingestion pipeline for a document.
type IngestionTask struct {
	ID         string
	DocumentID string
	State      IngestionTaskState
	Dispatch   DispatchMode
	Attempts   int32
	Error      string
	ChunkCount int
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// NewIngestionTask creates a queued task for the given document.
func NewIngestionTask(id, documentID string, createdAt time.Time) *IngestionTask {
	return &IngestionTask{
		ID:         id,
		DocumentID: documentID,
		State:      IngestionTaskQueued,
		Dispatch:   DispatchQueue,
		CreatedAt:  createdAt,
	}
}

// ValidateIngestionTask validates an IngestionTask instance
func ValidateIngestionTask(t *IngestionTask) error {
	if t == nil {
		return fmt.Errorf("ingestion task cannot be nil")
	}
	if t.ID == "" {
		return fmt.Errorf("ingestion task ID is required")
	}
	if t.DocumentID == "" {
		return fmt.Errorf("ingestion task DocumentID is required")
	}
	if !isValidIngestionTaskState(t.State) {
		return fmt.Errorf("ingestion task State is invalid: %s", t.State)
	}
	if t.Dispatch != DispatchQueue && t.Dispatch != DispatchLocal {
		return fmt.Errorf("ingestion task Dispatch is invalid: %s", t.Dispatch)
	}
	if t.Attempts < 0 {
		return fmt.Errorf("ingestion task Attempts cannot be negative")
	}
	return nil
}

// CanTransition reports whether a task may move from one state to another.
// A finished task may be picked up again when the queue redelivers it.
func CanTransition(from, to IngestionTaskState) bool {
	switch from {
	case IngestionTaskQueued:
		return to == IngestionTaskRunning
	case IngestionTaskRunning:
		return to == IngestionTaskSucceeded || to == IngestionTaskFailed || to == IngestionTaskRunning
	case IngestionTaskSucceeded, IngestionTaskFailed:
		return to == IngestionTaskRunning
	}
	return false
}

// IsTerminal reports whether the state ends a run.
func (s IngestionTaskState) IsTerminal() bool {
	return s == IngestionTaskSucceeded || s == IngestionTaskFailed
}

func isValidIngestionTaskState(s IngestionTaskState) bool {
	switch s {
	case IngestionTaskQueued, IngestionTaskRunning, IngestionTaskSucceeded, IngestionTaskFailed:
		return true
	}
	return false
}
