package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
)

// TranscodeJobRepository is the durable job ledger. Claims, completions and failures are
// conditional on the current state and lease holder, so at most one worker holds a job
// running and a terminal state is written at most once.
type TranscodeJobRepository interface {
	// Create records a new pending job.
	Create(ctx context.Context, job *models.TranscodeJob) error

	// GetByID retrieves a job by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.TranscodeJob, error)

	// Claim leases a specific job to workerID if it is due or its lease expired.
	// Returns db.ErrConflict when the job is held, terminal, not due or out of attempts.
	Claim(ctx context.Context, id uuid.UUID, workerID string, now time.Time, lease time.Duration) (*models.TranscodeJob, error)

	// ClaimNext leases the oldest claimable job. Returns db.ErrNotFound when none is due.
	ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.TranscodeJob, error)

	// ExtendLease pushes the lease of a running job held by workerID to now+lease.
	// Returns db.ErrConflict when workerID no longer holds the job.
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, now time.Time, lease time.Duration) error

	// Complete marks a running job succeeded if workerID still holds it.
	Complete(ctx context.Context, id uuid.UUID, workerID, assetKey string, now time.Time) error

	// Fail releases a running job held by workerID. With requeue and attempts left it goes
	// back to pending at nextAttemptAt, otherwise to failed. Returns the resulting state.
	Fail(ctx context.Context, id uuid.UUID, workerID, cause string, requeue bool, nextAttemptAt, now time.Time) (models.JobState, error)

	// FailExpired moves running jobs whose lease expired on their final attempt to failed.
	FailExpired(ctx context.Context, now time.Time, limit int) ([]*models.TranscodeJob, error)

	// ListRecoverable returns jobs a worker should pick up again: running with an expired
	// lease, or pending and due since before staleBefore.
	ListRecoverable(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.TranscodeJob, error)

	// Stats counts jobs per state.
	Stats(ctx context.Context) (map[string]int, error)
}

const jobColumns = `
	id, kind, premiere_id, input_ref, premiere_fields, state,
	attempt_count, max_attempts, worker_id, lease_until, next_attempt_at,
	last_error, asset_key, completed_at, created_at, updated_at`

// claimablePredicate takes $now as its only parameter reference.
const claimablePredicate = `attempt_count < max_attempts
	AND ((state = 'pending' AND next_attempt_at <= %[1]s)
	  OR (state = 'running' AND lease_until < %[1]s))`

type transcodeJobRepository struct {
	pool *pgxpool.Pool
}

// NewTranscodeJobRepository creates a new TranscodeJobRepository.
func NewTranscodeJobRepository(pool *pgxpool.Pool) TranscodeJobRepository {
	return &transcodeJobRepository{pool: pool}
}

func scanJob(row pgx.Row) (*models.TranscodeJob, error) {
	job := &models.TranscodeJob{}
	var state string
	err := row.Scan(
		&job.ID, &job.Kind, &job.PremiereID, &job.InputRef, &job.PremiereFields, &state,
		&job.AttemptCount, &job.MaxAttempts, &job.WorkerID, &job.LeaseUntil, &job.NextAttemptAt,
		&job.LastError, &job.AssetKey, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.State = models.JobState(state)
	return job, nil
}

func collectJobs(rows pgx.Rows, op string) ([]*models.TranscodeJob, error) {
	defer rows.Close()

	jobs := make([]*models.TranscodeJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, db.WrapError(err, "scan "+op)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError(err, op)
	}
	return jobs, nil
}

func (r *transcodeJobRepository) Create(ctx context.Context, job *models.TranscodeJob) error {
	query := `
		INSERT INTO transcode_jobs (
			id, kind, premiere_id, input_ref, premiere_fields, state,
			attempt_count, max_attempts, next_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING created_at, updated_at
	`

	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Kind == "" {
		job.Kind = models.JobKindTranscode
	}
	if job.State == "" {
		job.State = models.JobStatePending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}

	err := db.Conn(ctx, r.pool).QueryRow(ctx, query,
		job.ID, job.Kind, job.PremiereID, job.InputRef, job.PremiereFields, string(job.State),
		job.AttemptCount, job.MaxAttempts, job.NextAttemptAt, now,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return db.WrapError(err, "create transcode job")
	}

	return nil
}

func (r *transcodeJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.TranscodeJob, error) {
	job, err := scanJob(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+jobColumns+` FROM transcode_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, db.WrapError(err, "get transcode job by id")
	}
	return job, nil
}

func (r *transcodeJobRepository) Claim(ctx context.Context, id uuid.UUID, workerID string, now time.Time, lease time.Duration) (*models.TranscodeJob, error) {
	query := `
		UPDATE transcode_jobs
		SET state = 'running',
		    attempt_count = attempt_count + 1,
		    worker_id = $2,
		    lease_until = $3,
		    updated_at = $4
		WHERE id = $1 AND ` + fmt.Sprintf(claimablePredicate, "$4") + `
		RETURNING ` + jobColumns

	conn := db.Conn(ctx, r.pool)
	job, err := scanJob(conn.QueryRow(ctx, query, id, workerID, now.Add(lease), now))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, db.WrapError(err, "claim transcode job")
	}

	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("claim transcode job %s: %w", id, db.ErrConflict)
}

func (r *transcodeJobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.TranscodeJob, error) {
	query := `
		UPDATE transcode_jobs
		SET state = 'running',
		    attempt_count = attempt_count + 1,
		    worker_id = $1,
		    lease_until = $2,
		    updated_at = $3
		WHERE id = (
			SELECT id FROM transcode_jobs
			WHERE ` + fmt.Sprintf(claimablePredicate, "$3") + `
			ORDER BY next_attempt_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(db.Conn(ctx, r.pool).QueryRow(ctx, query, workerID, now.Add(lease), now))
	if err != nil {
		return nil, db.WrapError(err, "claim next transcode job")
	}
	return job, nil
}

func (r *transcodeJobRepository) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, now time.Time, lease time.Duration) error {
	query := `
		UPDATE transcode_jobs
		SET lease_until = $3,
		    updated_at = $4
		WHERE id = $1 AND state = 'running' AND worker_id = $2
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, workerID, now.Add(lease), now)
	if err != nil {
		return db.WrapError(err, "extend transcode job lease")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extend transcode job lease %s: %w", id, db.ErrConflict)
	}

	return nil
}

func (r *transcodeJobRepository) Complete(ctx context.Context, id uuid.UUID, workerID, assetKey string, now time.Time) error {
	query := `
		UPDATE transcode_jobs
		SET state = 'succeeded',
		    asset_key = $3,
		    lease_until = NULL,
		    last_error = NULL,
		    completed_at = $4,
		    updated_at = $4
		WHERE id = $1 AND state = 'running' AND worker_id = $2
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, workerID, assetKey, now)
	if err != nil {
		return db.WrapError(err, "complete transcode job")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete transcode job %s: %w", id, db.ErrConflict)
	}

	return nil
}

func (r *transcodeJobRepository) Fail(ctx context.Context, id uuid.UUID, workerID, cause string, requeue bool, nextAttemptAt, now time.Time) (models.JobState, error) {
	query := `
		UPDATE transcode_jobs
		SET state = CASE WHEN $3::boolean AND attempt_count < max_attempts THEN 'pending' ELSE 'failed' END,
		    next_attempt_at = CASE WHEN $3::boolean AND attempt_count < max_attempts THEN $4 ELSE next_attempt_at END,
		    completed_at = CASE WHEN $3::boolean AND attempt_count < max_attempts THEN NULL ELSE $6 END,
		    last_error = $5,
		    lease_until = NULL,
		    updated_at = $6
		WHERE id = $1 AND state = 'running' AND worker_id = $2
		RETURNING state
	`

	var state string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id, workerID, requeue, nextAttemptAt, cause, now).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("fail transcode job %s: %w", id, db.ErrConflict)
		}
		return "", db.WrapError(err, "fail transcode job")
	}

	return models.JobState(state), nil
}

func (r *transcodeJobRepository) FailExpired(ctx context.Context, now time.Time, limit int) ([]*models.TranscodeJob, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		UPDATE transcode_jobs
		SET state = 'failed',
		    last_error = COALESCE(last_error || '; ', '') || 'lease expired on final attempt',
		    lease_until = NULL,
		    completed_at = $1,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM transcode_jobs
			WHERE state = 'running' AND lease_until < $1 AND attempt_count >= max_attempts
			ORDER BY lease_until ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, now, limit)
	if err != nil {
		return nil, db.WrapError(err, "fail expired transcode jobs")
	}

	return collectJobs(rows, "fail expired transcode jobs")
}

func (r *transcodeJobRepository) ListRecoverable(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.TranscodeJob, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + jobColumns + `
		FROM transcode_jobs
		WHERE attempt_count < max_attempts
		  AND ((state = 'running' AND lease_until < $1)
		    OR (state = 'pending' AND next_attempt_at <= $2))
		ORDER BY next_attempt_at ASC
		LIMIT $3
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		return nil, db.WrapError(err, "list recoverable transcode jobs")
	}

	return collectJobs(rows, "list recoverable transcode jobs")
}

func (r *transcodeJobRepository) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT state, COUNT(*)::int FROM transcode_jobs GROUP BY state`)
	if err != nil {
		return nil, db.WrapError(err, "transcode job stats")
	}
	defer rows.Close()

	stats := map[string]int{
		string(models.JobStatePending):   0,
		string(models.JobStateRunning):   0,
		string(models.JobStateSucceeded): 0,
		string(models.JobStateFailed):    0,
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, db.WrapError(err, "scan transcode job stats")
		}
		stats[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError(err, "transcode job stats")
	}

	return stats, nil
}
