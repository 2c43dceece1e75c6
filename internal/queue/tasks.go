package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Task types
const (
	TypeTranscode = "premiere:transcode"
)

// TranscodePayload announces a ledger job to workers. The ledger row is authoritative;
// the payload only names it.
type TranscodePayload struct {
	JobID      uuid.UUID `json:"job_id"`
	PremiereID uuid.UUID `json:"premiere_id"`
	Attempt    int       `json:"attempt"`
}

// NewTranscodeTask creates a transcode announcement payload.
func NewTranscodeTask(jobID, premiereID uuid.UUID, attempt int) (*TranscodePayload, error) {
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("job ID is required")
	}

	return &TranscodePayload{
		JobID:      jobID,
		PremiereID: premiereID,
		Attempt:    attempt,
	}, nil
}

// Marshal serializes the payload to JSON
func (p *TranscodePayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalTranscodePayload deserializes JSON to payload
func UnmarshalTranscodePayload(data []byte) (*TranscodePayload, error) {
	var payload TranscodePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.JobID == uuid.Nil {
		return nil, fmt.Errorf("payload is missing job_id")
	}
	return &payload, nil
}
