package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState is the ledger state of a transcode job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobKindTranscode is the only job kind the pipeline runs.
const JobKindTranscode = "transcode"

// DefaultMaxAttempts bounds retries when the caller does not set MaxAttempts.
const DefaultMaxAttempts = 5

const (
	maxTitleLength       = 200
	maxDescriptionLength = 5000
	maxOwnerIDLength     = 128
)

// PremiereFields are the premiere attributes supplied at upload time and carried by the
// job until the worker finalizes the premiere.
type PremiereFields struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CoverKey    *string   `json:"cover_key,omitempty"`
}

// Validate rejects malformed fields so bad payloads fail at enqueue time.
func (f PremiereFields) Validate() error {
	var errs []error
	if err := ValidateDetails(f.Title, f.Description); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(f.OwnerID) == "" {
		errs = append(errs, errors.New("owner_id is required"))
	} else if len(f.OwnerID) > maxOwnerIDLength {
		errs = append(errs, fmt.Errorf("owner_id exceeds %d characters", maxOwnerIDLength))
	}
	if f.ScheduledAt.IsZero() {
		errs = append(errs, errors.New("scheduled_at is required"))
	}
	if f.CoverKey != nil && strings.TrimSpace(*f.CoverKey) == "" {
		errs = append(errs, errors.New("cover_key must not be blank"))
	}
	return errors.Join(errs...)
}

// ValidateDetails checks the display fields a premiere can change before it starts.
func ValidateDetails(title, description string) error {
	var errs []error
	title = strings.TrimSpace(title)
	if title == "" {
		errs = append(errs, errors.New("title is required"))
	} else if len(title) > maxTitleLength {
		errs = append(errs, fmt.Errorf("title exceeds %d characters", maxTitleLength))
	}
	if len(description) > maxDescriptionLength {
		errs = append(errs, fmt.Errorf("description exceeds %d characters", maxDescriptionLength))
	}
	return errors.Join(errs...)
}

// TranscodeJob is a queued unit of transcode work, tracked in the transcode_jobs ledger.
type TranscodeJob struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	Kind           string         `db:"kind" json:"kind"`
	PremiereID     uuid.UUID      `db:"premiere_id" json:"premiere_id"`
	InputRef       string         `db:"input_ref" json:"input_ref"`
	PremiereFields PremiereFields `db:"premiere_fields" json:"premiere_fields"`
	State          JobState       `db:"state" json:"state"`
	AttemptCount   int            `db:"attempt_count" json:"attempt_count"`
	MaxAttempts    int            `db:"max_attempts" json:"max_attempts"`
	WorkerID       *string        `db:"worker_id" json:"worker_id,omitempty"`
	LeaseUntil     *time.Time     `db:"lease_until" json:"lease_until,omitempty"`
	NextAttemptAt  time.Time      `db:"next_attempt_at" json:"next_attempt_at"`
	LastError      *string        `db:"last_error" json:"last_error,omitempty"`
	AssetKey       *string        `db:"asset_key" json:"asset_key,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// NewTranscodeJob creates a pending job for premiereID reading raw bytes from inputRef.
func NewTranscodeJob(premiereID uuid.UUID, inputRef string, fields PremiereFields) *TranscodeJob {
	now := time.Now().UTC()
	return &TranscodeJob{
		ID:             uuid.New(),
		Kind:           JobKindTranscode,
		PremiereID:     premiereID,
		InputRef:       inputRef,
		PremiereFields: fields,
		State:          JobStatePending,
		MaxAttempts:    DefaultMaxAttempts,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks the job is complete enough to enqueue.
func (j *TranscodeJob) Validate() error {
	var errs []error
	if j.Kind != JobKindTranscode {
		errs = append(errs, fmt.Errorf("unsupported job kind %q", j.Kind))
	}
	if j.PremiereID == uuid.Nil {
		errs = append(errs, errors.New("premiere_id is required"))
	}
	if strings.TrimSpace(j.InputRef) == "" {
		errs = append(errs, errors.New("input_ref is required"))
	}
	if err := j.PremiereFields.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AttemptsRemaining is how many more claims the ledger will allow.
func (j *TranscodeJob) AttemptsRemaining() int {
	if n := j.MaxAttempts - j.AttemptCount; n > 0 {
		return n
	}
	return 0
}

// Premiere builds the premiere row this job finalizes.
func (j *TranscodeJob) Premiere(assetKey string, durationSeconds int) *Premiere {
	p := NewPremiere(j.PremiereID, j.PremiereFields)
	p.AssetKey = &assetKey
	p.DurationSeconds = &durationSeconds
	return p
}
