// Package queue carries ingestion requests over Redis Streams.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventIngestDocument asks a worker to run ingestion for a document.
const EventIngestDocument = "document.ingest"

// Envelope is the message wrapper stored in the "envelope" field of each
// stream entry.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	TraceID    string          `json:"trace_id,omitempty"`
	Attempt    int             `json:"attempt"`
	Data       json.RawMessage `json:"data"`
}

// IngestRequest is the payload of EventIngestDocument.
type IngestRequest struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// IngestRequest decodes the payload of an ingestion envelope.
func (e *Envelope) IngestRequest() (IngestRequest, error) {
	var req IngestRequest
	if e.EventType != EventIngestDocument {
		return req, fmt.Errorf("unexpected event type %q", e.EventType)
	}
	if err := json.Unmarshal(e.Data, &req); err != nil {
		return req, fmt.Errorf("decode ingest request: %w", err)
	}
	if req.TaskID == "" || req.DocumentID == "" {
		return req, fmt.Errorf("ingest request requires task_id and document_id")
	}
	return req, nil
}
