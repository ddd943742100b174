package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_ValidateBasic(t *testing.T) {
	valid := Envelope{EventID: "e1", EventType: EventIngestDocument, OccurredAt: time.Now(), Data: json.RawMessage(`{}`)}
	require.NoError(t, valid.ValidateBasic())

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing id", func(e *Envelope) { e.EventID = "" }},
		{"missing type", func(e *Envelope) { e.EventType = "" }},
		{"negative attempt", func(e *Envelope) { e.Attempt = -1 }},
		{"missing data", func(e *Envelope) { e.Data = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid
			tt.mutate(&env)
			assert.Error(t, env.ValidateBasic())
		})
	}
}

func TestEnvelope_RoundTripIngestRequest(t *testing.T) {
	data, err := json.Marshal(IngestRequest{TaskID: "t1", DocumentID: "d1"})
	require.NoError(t, err)
	env := Envelope{EventID: "e1", EventType: EventIngestDocument, Attempt: 2, Data: data}

	raw, err := env.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)

	req, err := decoded.IngestRequest()
	require.NoError(t, err)
	assert.Equal(t, IngestRequest{TaskID: "t1", DocumentID: "d1"}, req)
	assert.Equal(t, 2, decoded.Attempt)
}

func TestEnvelope_IngestRequestErrors(t *testing.T) {
	wrongType := Envelope{EventID: "e", EventType: "other", Data: json.RawMessage(`{"task_id":"t","document_id":"d"}`)}
	_, err := wrongType.IngestRequest()
	assert.Error(t, err)

	missing := Envelope{EventID: "e", EventType: EventIngestDocument, Data: json.RawMessage(`{"task_id":"t"}`)}
	_, err = missing.IngestRequest()
	assert.Error(t, err)
}

func TestUnmarshalEnvelope_Invalid(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`not json`))
	assert.Error(t, err)

	_, err = UnmarshalEnvelope([]byte(`{"event_id":"e"}`))
	assert.Error(t, err)
}
