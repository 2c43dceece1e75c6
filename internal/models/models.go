// Package models contains the request and response DTOs of the premiere HTTP API.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IngestRequest registers a raw upload for transcoding.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type IngestRequest struct {
	RawFileRef  string    `json:"raw_file_ref" binding:"required,max=1024"`
	Title       string    `json:"title" binding:"required,max=200"`
	Description string    `json:"description" binding:"max=5000"`
	OwnerID     string    `json:"owner_id" binding:"required,max=128"`
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
	CoverKey    *string   `json:"cover_key,omitempty" binding:"omitempty,max=1024"`
}

// IngestResponse is returned with 202 Accepted.
type IngestResponse struct {
	JobID      uuid.UUID `json:"job_id"`
	PremiereID uuid.UUID `json:"premiere_id"`
}

// PresignRequest asks for a short-lived upload URL.
type PresignRequest struct {
	FileName    string `json:"file_name" binding:"required,max=255"`
	ContentType string `json:"content_type" binding:"required,max=127"`
	Bucket      string `json:"bucket" binding:"required"`
}

// PresignResponse carries the URL the client PUTs to.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type PresignResponse struct {
	URL       string              `json:"url"`
	Method    string              `json:"method"`
	Key       string              `json:"key"`
	Bucket    string              `json:"bucket"`
	Headers   map[string][]string `json:"headers,omitempty"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// SubscribeRequest registers a browser push subscription for a premiere.
type SubscribeRequest struct {
	Subscription json.RawMessage `json:"subscription" binding:"required"`
	PremiereID   string          `json:"premiere_id" binding:"required"`
	UserID       string          `json:"user_id" binding:"required,max=128"`
}

// SuccessResponse is the body of endpoints that only acknowledge.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// DispatchRequest triggers a manual "premiere is live" push.
type DispatchRequest struct {
	PremiereID string `json:"premiere_id" binding:"required"`
	Title      string `json:"title" binding:"max=200"`
	URL        string `json:"url" binding:"max=2048"`
}

// DispatchResponse reports how many subscribers were reached.
type DispatchResponse struct {
	Sent int `json:"sent"`
}

// CleanupError is one premiere the sweep could not purge.
type CleanupError struct {
	PremiereID uuid.UUID `json:"premiere_id"`
	Cause      string    `json:"cause"`
}

// CleanupResponse is the result of a triggered sweep.
type CleanupResponse struct {
	Purged []uuid.UUID    `json:"purged"`
	Errors []CleanupError `json:"errors"`
}

// PremiereResponse is a premiere with its derived lifecycle state.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type PremiereResponse struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	OwnerID         string     `json:"owner_id"`
	State           string     `json:"state"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	EndsAt          *time.Time `json:"ends_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	AssetKey        *string    `json:"asset_key,omitempty"`
	CoverKey        *string    `json:"cover_key,omitempty"`
	NotifiedAt      *time.Time `json:"notified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// PremiereListResponse is a page of premieres.
type PremiereListResponse struct {
	Items  []*PremiereResponse `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// RescheduleRequest moves a premiere that has not started yet.
type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

// UpdateDetailsRequest edits display fields of a premiere that has not started yet.
type UpdateDetailsRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	Description string `json:"description" binding:"max=5000"`
}

// JobResponse is the ledger view of a transcode job.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type JobResponse struct {
	ID            uuid.UUID  `json:"id"`
	PremiereID    uuid.UUID  `json:"premiere_id"`
	State         string     `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     *string    `json:"last_error,omitempty"`
	AssetKey      *string    `json:"asset_key,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobStatsResponse counts jobs per ledger state.
type JobStatsResponse struct {
	States map[string]int `json:"states"`
	Total  int            `json:"total"`
}

// ErrorResponse represents an error response.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type ErrorResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
}
