package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/clock"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// ProcessFunc runs one claimed job. A nil return means the job was acked by fn.
type ProcessFunc func(ctx context.Context, job *models.TranscodeJob, workerID string) error

// Backoff computes the delay before a requeued attempt.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff doubles from 30s up to 30m.
func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Max: 30 * time.Minute, Multiplier: 2}
}

// Delay returns the wait after the given 1-based attempt failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Config tunes the job queue.
type Config struct {
	// Lease is how long a claim stays valid without an ack, fail or renewal.
	Lease time.Duration
	// RenewInterval is how often Execute extends the lease of a running job.
	// Values outside (0, Lease) fall back to a third of the lease.
	RenewInterval time.Duration
	// PollInterval is the idle wait between ledger polls in Dequeue.
	PollInterval time.Duration
	// StaleAfter is how long a due pending job may sit unclaimed before recovery re-announces it.
	StaleAfter   time.Duration
	RecoverBatch int
	// MaxAttempts, when positive, replaces the attempt budget of enqueued jobs.
	MaxAttempts int
	Backoff     Backoff
}

// DefaultConfig returns the queue settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Lease:        15 * time.Minute,
		PollInterval: 2 * time.Second,
		StaleAfter:   time.Minute,
		RecoverBatch: 100,
		Backoff:      DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.Lease {
		c.RenewInterval = c.Lease / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.RecoverBatch <= 0 {
		c.RecoverBatch = d.RecoverBatch
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// RecoveryReport summarizes one RecoverExpired pass.
type RecoveryReport struct {
	Exhausted   int
	Reannounced int
}

// JobQueue is the durable transcode queue. The ledger holds state, leases and attempts;
// the announcer only shortens pickup latency.
type JobQueue struct {
	store     repository.TranscodeJobRepository
	announcer Announcer
	hooks     *CallbackManager
	metrics   *metrics.Metrics
	clock     clock.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewJobQueue creates a JobQueue. announcer, hooks and m may be nil.
func NewJobQueue(
	store repository.TranscodeJobRepository,
	announcer Announcer,
	hooks *CallbackManager,
	m *metrics.Metrics,
	clk clock.Clock,
	cfg Config,
	log *zap.Logger,
) *JobQueue {
	if clk == nil {
		clk = clock.New()
	}
	if hooks == nil {
		hooks = NewCallbackManager(log)
	}

	return &JobQueue{
		store:     store,
		announcer: announcer,
		hooks:     hooks,
		metrics:   m,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		logger:    logger.OrNop(log),
	}
}

// Hooks returns the callbacks fired when a job exhausts its retries.
func (q *JobQueue) Hooks() *CallbackManager {
	return q.hooks
}

// Enqueue validates and records job, then announces it once the surrounding
// transaction (if any) commits.
func (q *JobQueue) Enqueue(ctx context.Context, job *models.TranscodeJob) (uuid.UUID, error) {
	const op = "enqueue job"

	if err := job.Validate(); err != nil {
		return uuid.Nil, apperr.BadInput(op, err)
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = q.clock.Now()
	}
	if q.cfg.MaxAttempts > 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}

	if err := q.store.Create(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	db.AfterCommit(ctx, func() {
		q.announce(job, 0)
	})

	return job.ID, nil
}

func (q *JobQueue) announce(job *models.TranscodeJob, delay time.Duration) {
	if q.announcer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.announcer.Announce(ctx, job, delay); err != nil {
		q.logger.Warn("Failed to announce job, recovery will pick it up",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
	}
}

// Dequeue blocks until a job is claimed for workerID or ctx ends.
func (q *JobQueue) Dequeue(ctx context.Context, workerID string) (*models.TranscodeJob, error) {
	for {
		job, err := q.store.ClaimNext(ctx, workerID, q.clock.Now(), q.cfg.Lease)
		if err == nil {
			return job, nil
		}
		if !db.IsNotFound(err) {
			return nil, apperr.Transient("dequeue job", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// Claim leases a specific job to workerID.
func (q *JobQueue) Claim(ctx context.Context, jobID uuid.UUID, workerID string) (*models.TranscodeJob, error) {
	job, err := q.store.Claim(ctx, jobID, workerID, q.clock.Now(), q.cfg.Lease)
	if err != nil {
		return nil, classifyStoreErr("claim job", err)
	}
	return job, nil
}

// Ack marks the job succeeded. Returns a Conflict error when workerID no longer holds it.
func (q *JobQueue) Ack(ctx context.Context, jobID uuid.UUID, workerID, assetKey string) error {
	if err := q.store.Complete(ctx, jobID, workerID, assetKey, q.clock.Now()); err != nil {
		return classifyStoreErr("ack job", err)
	}
	return nil
}

// Fail releases the job. With requeue and attempts left it returns to pending after a
// backoff delay; otherwise it becomes failed. Exhausting a retryable job fires the hooks.
func (q *JobQueue) Fail(ctx context.Context, job *models.TranscodeJob, workerID string, cause error, requeue bool) (models.JobState, error) {
	now := q.clock.Now()
	delay := q.cfg.Backoff.Delay(job.AttemptCount)

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	state, err := q.store.Fail(ctx, job.ID, workerID, msg, requeue, now.Add(delay), now)
	if err != nil {
		return "", classifyStoreErr("fail job", err)
	}

	switch {
	case state == models.JobStatePending:
		next := *job
		next.State = state
		next.NextAttemptAt = now.Add(delay)
		q.announce(&next, delay)
	case requeue:
		exhausted := *job
		exhausted.State = state
		q.hooks.Trigger(ctx, &exhausted, apperr.Exhausted("transcode job", cause))
	}

	return state, nil
}

// Execute runs fn on a claimed job and settles the ledger from its result: nil is success,
// Conflict is discarded, BadInput fails without retry, anything else is requeued.
// The lease is renewed while fn runs; if it is lost, fn's context is cancelled and the
// result discarded. Only ledger failures are returned.
func (q *JobQueue) Execute(ctx context.Context, job *models.TranscodeJob, workerID string, fn ProcessFunc) error {
	log := q.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("premiere_id", job.PremiereID.String()),
		zap.Int("attempt", job.AttemptCount),
		zap.String("worker_id", workerID))

	runCtx, cancel := context.WithCancel(ctx)
	var leaseLost atomic.Bool
	renewing := q.renewLease(runCtx, job.ID, workerID, func() {
		leaseLost.Store(true)
		cancel()
	}, log)

	start := time.Now()
	err := fn(runCtx, job, workerID)
	took := time.Since(start)
	cancel()
	<-renewing

	switch {
	case err == nil:
		q.metrics.ObserveJob(metrics.OutcomeSucceeded, took)
		log.Info("Job succeeded", zap.Duration("took", took))
		return nil
	case leaseLost.Load():
		q.metrics.ObserveJob(metrics.OutcomeDiscarded, took)
		log.Warn("Job lease lost, result discarded", zap.Error(err))
		return nil
	case apperr.IsConflict(err):
		q.metrics.ObserveJob(metrics.OutcomeDiscarded, took)
		log.Info("Job result discarded", zap.Error(err))
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Warn("Job interrupted, lease will expire", zap.Error(err))
		return ctx.Err()
	}

	requeue := !apperr.IsBadInput(err)
	state, failErr := q.Fail(ctx, job, workerID, err, requeue)
	if failErr != nil {
		if apperr.IsConflict(failErr) {
			q.metrics.ObserveJob(metrics.OutcomeDiscarded, took)
			log.Info("Lost lease before failing job", zap.Error(err))
			return nil
		}
		return failErr
	}

	switch {
	case state == models.JobStatePending:
		q.metrics.ObserveJob(metrics.OutcomeRetried, took)
		log.Warn("Job failed, requeued", zap.Error(err))
	case requeue:
		q.metrics.ObserveJob(metrics.OutcomeExhausted, took)
		log.Error("Job exhausted its retries", zap.Error(err))
	default:
		q.metrics.ObserveJob(metrics.OutcomeFailed, took)
		log.Warn("Job rejected input", zap.Error(err))
	}
	return nil
}

// renewLease extends the job's lease every RenewInterval until ctx ends. When the ledger
// reports another holder it calls lost and stops. The returned channel closes on exit.
func (q *JobQueue) renewLease(ctx context.Context, jobID uuid.UUID, workerID string, lost func(), log *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := q.store.ExtendLease(ctx, jobID, workerID, q.clock.Now(), q.cfg.Lease)
			switch {
			case err == nil:
				log.Debug("Job lease extended")
			case ctx.Err() != nil:
				return
			case db.IsConflict(err):
				lost()
				return
			default:
				log.Warn("Failed to extend job lease", zap.Error(err))
			}
		}
	}()
	return done
}

// RecoverExpired fails jobs whose final attempt's lease expired and re-announces jobs
// that are claimable again or whose announcement went missing.
func (q *JobQueue) RecoverExpired(ctx context.Context) (*RecoveryReport, error) {
	now := q.clock.Now()
	report := &RecoveryReport{}

	exhausted, err := q.store.FailExpired(ctx, now, q.cfg.RecoverBatch)
	if err != nil {
		return nil, fmt.Errorf("fail expired jobs: %w", err)
	}
	for _, job := range exhausted {
		report.Exhausted++
		q.metrics.ObserveJob(metrics.OutcomeExhausted, 0)
		q.hooks.Trigger(ctx, job, apperr.Exhausted("transcode job", errors.New("lease expired on final attempt")))
	}

	recoverable, err := q.store.ListRecoverable(ctx, now, now.Add(-q.cfg.StaleAfter), q.cfg.RecoverBatch)
	if err != nil {
		return report, fmt.Errorf("list recoverable jobs: %w", err)
	}
	for _, job := range recoverable {
		q.announce(job, 0)
		report.Reannounced++
	}
	q.metrics.ObserveRecovered(report.Reannounced)

	return report, nil
}

// Get returns a job by ID.
func (q *JobQueue) Get(ctx context.Context, jobID uuid.UUID) (*models.TranscodeJob, error) {
	job, err := q.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, classifyStoreErr("get job", err)
	}
	return job, nil
}

// Stats counts jobs per state.
func (q *JobQueue) Stats(ctx context.Context) (map[string]int, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return nil, apperr.Transient("job stats", err)
	}
	return stats, nil
}

func classifyStoreErr(op string, err error) error {
	switch {
	case db.IsNotFound(err):
		return apperr.NotFound(op, err)
	case db.IsConflict(err):
		return apperr.Conflict(op, err)
	default:
		return apperr.Transient(op, err)
	}
}
