package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/lifecycle"
)

// Premiere is a scheduled, time-boxed video viewing event.
type Premiere struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Title           string     `db:"title" json:"title"`
	Description     string     `db:"description" json:"description"`
	OwnerID         string     `db:"owner_id" json:"owner_id"`
	AssetKey        *string    `db:"asset_key" json:"asset_key,omitempty"`
	CoverKey        *string    `db:"cover_key" json:"cover_key,omitempty"`
	ScheduledAt     time.Time  `db:"scheduled_at" json:"scheduled_at"`
	DurationSeconds *int       `db:"duration_seconds" json:"duration_seconds,omitempty"`
	NotifiedAt      *time.Time `db:"notified_at" json:"notified_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// NewPremiere creates a Premiere from upload-time fields. Asset and duration stay nil
// until the transcode worker finalizes it.
func NewPremiere(id uuid.UUID, fields PremiereFields) *Premiere {
	now := time.Now().UTC()
	return &Premiere{
		ID:          id,
		Title:       fields.Title,
		Description: fields.Description,
		OwnerID:     fields.OwnerID,
		CoverKey:    fields.CoverKey,
		ScheduledAt: fields.ScheduledAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// State classifies the premiere at now.
func (p *Premiere) State(now time.Time, policy lifecycle.Policy) lifecycle.State {
	return lifecycle.Classify(now, p.ScheduledAt, p.DurationSeconds, policy)
}

// Transcoded reports whether the worker has recorded an asset and duration.
func (p *Premiere) Transcoded() bool {
	return p.AssetKey != nil && p.DurationSeconds != nil
}
