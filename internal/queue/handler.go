package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// TranscodeHandler handles transcode announcements by claiming the named ledger job and
// running it.
type TranscodeHandler struct {
	queue    *JobQueue
	process  ProcessFunc
	workerID string
	logger   *zap.Logger
}

// NewTranscodeHandler creates a new transcode task handler
func NewTranscodeHandler(queue *JobQueue, process ProcessFunc, workerID string, log *zap.Logger) *TranscodeHandler {
	return &TranscodeHandler{
		queue:    queue,
		process:  process,
		workerID: workerID,
		logger:   logger.OrNop(log),
	}
}

// ProcessTask implements asynq.HandlerFunc
func (h *TranscodeHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload, err := UnmarshalTranscodePayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	job, err := h.queue.Claim(ctx, payload.JobID, h.workerID)
	switch {
	case err == nil:
	case apperr.IsNotFound(err):
		h.logger.Info("Announced job no longer exists", zap.String("job_id", payload.JobID.String()))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case apperr.IsConflict(err):
		// Held by another worker, already terminal, or announced ahead of its backoff.
		h.logger.Debug("Announced job not claimable", zap.String("job_id", payload.JobID.String()))
		return nil
	default:
		return err
	}

	return h.queue.Execute(ctx, job, h.workerID, h.process)
}

// Server wraps asynq server for processing tasks
type Server struct {
	asynqServer *asynq.Server
	mux         *asynq.ServeMux
	logger      *zap.Logger
}

// NewServer creates a new task processing server
func NewServer(redisAddr string, concurrency int, queueName string, handler *TranscodeHandler, log *zap.Logger) (*Server, error) {
	redisOpt, err := ParseRedisURL(redisAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if queueName == "" {
		queueName = "default"
	}
	log = logger.OrNop(log)

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 10,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Warn("Task failed", zap.String("type", task.Type()), zap.Error(err))
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeTranscode, handler.ProcessTask)

	return &Server{
		asynqServer: srv,
		mux:         mux,
		logger:      log,
	}, nil
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("Starting task processing server")
	return s.asynqServer.Start(s.mux)
}

// Stop gracefully stops the server
func (s *Server) Stop() {
	s.logger.Info("Shutting down task processing server")
	s.asynqServer.Shutdown()
}
