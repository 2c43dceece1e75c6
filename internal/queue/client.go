package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// Announcer tells workers a ledger job is ready. Announcements may be lost or duplicated;
// the ledger claim decides who runs the job.
type Announcer interface {
	Announce(ctx context.Context, job *models.TranscodeJob, delay time.Duration) error
}

// ClientConfig configures task announcements.
type ClientConfig struct {
	Queue       string
	TaskTimeout time.Duration
	MaxRetry    int
}

// Client wraps asynq client for announcing transcode tasks
type Client struct {
	asynqClient *asynq.Client
	cfg         ClientConfig
	logger      *zap.Logger
}

// NewClient creates a new queue client
func NewClient(redisAddr string, cfg ClientConfig, log *zap.Logger) (*Client, error) {
	redisOpt, err := ParseRedisURL(redisAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}

	return &Client{
		asynqClient: asynq.NewClient(redisOpt),
		cfg:         cfg,
		logger:      logger.OrNop(log),
	}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.asynqClient.Close()
}

// Announce enqueues a task naming job. The task ID is derived from the job and its
// attempt so repeated announcements of the same attempt collapse into one task.
func (c *Client) Announce(ctx context.Context, job *models.TranscodeJob, delay time.Duration) error {
	payload, err := NewTranscodeTask(job.ID, job.PremiereID, job.AttemptCount)
	if err != nil {
		return fmt.Errorf("failed to create task payload: %w", err)
	}

	payloadBytes, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:%d", job.ID, job.AttemptCount)),
		asynq.MaxRetry(c.cfg.MaxRetry),
		asynq.Timeout(c.cfg.TaskTimeout),
		asynq.Queue(c.cfg.Queue),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	info, err := c.asynqClient.EnqueueContext(ctx, asynq.NewTask(TypeTranscode, payloadBytes), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Debug("Announced transcode job",
		zap.String("job_id", job.ID.String()),
		zap.String("task_id", info.ID),
		zap.Duration("delay", delay))

	return nil
}
