package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// ExhaustedCallback is called after a job spent its retry budget.
type ExhaustedCallback func(ctx context.Context, job *models.TranscodeJob, cause error) error

// CallbackManager manages exhausted-job callbacks
type CallbackManager struct {
	callbacks []ExhaustedCallback
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewCallbackManager creates a new callback manager
func NewCallbackManager(log *zap.Logger) *CallbackManager {
	return &CallbackManager{
		callbacks: make([]ExhaustedCallback, 0),
		logger:    logger.OrNop(log),
	}
}

// RegisterCallback registers a new callback
func (m *CallbackManager) RegisterCallback(cb ExhaustedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Trigger executes all registered callbacks sequentially. A failing callback is logged
// and the rest still run.
func (m *CallbackManager) Trigger(ctx context.Context, job *models.TranscodeJob, cause error) {
	m.mu.RLock()
	callbacks := make([]ExhaustedCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for i, cb := range callbacks {
		if err := cb(ctx, job, cause); err != nil {
			m.logger.Warn("Exhausted-job callback failed",
				zap.Int("callback", i),
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		}
	}
}
