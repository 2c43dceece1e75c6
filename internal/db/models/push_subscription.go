package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PushSubscription is one user's registration for a premiere's "it's live" push.
// (UserID, PremiereID) is unique; re-subscribing overwrites EndpointBlob.
type PushSubscription struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	UserID       string          `db:"user_id" json:"user_id"`
	PremiereID   uuid.UUID       `db:"premiere_id" json:"premiere_id"`
	EndpointBlob json.RawMessage `db:"endpoint_blob" json:"endpoint_blob"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// NewPushSubscription creates a subscription with a fresh ID.
func NewPushSubscription(userID string, premiereID uuid.UUID, blob json.RawMessage) *PushSubscription {
	now := time.Now().UTC()
	return &PushSubscription{
		ID:           uuid.New(),
		UserID:       userID,
		PremiereID:   premiereID,
		EndpointBlob: blob,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
