package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// Poller claims jobs straight from the ledger. It runs when no Redis transport is
// configured, or alongside it as a safety net.
type Poller struct {
	queue       *JobQueue
	process     ProcessFunc
	workerID    string
	concurrency int
	logger      *zap.Logger
}

// NewPoller creates a Poller running concurrency loops, each with its own worker ID
// derived from workerID.
func NewPoller(queue *JobQueue, process ProcessFunc, workerID string, concurrency int, log *zap.Logger) *Poller {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Poller{
		queue:       queue,
		process:     process,
		workerID:    workerID,
		concurrency: concurrency,
		logger:      logger.OrNop(log),
	}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(fmt.Sprintf("%s-%d", p.workerID, i))
	}
	wg.Wait()
}

func (p *Poller) loop(ctx context.Context, workerID string) {
	log := p.logger.With(zap.String("worker_id", workerID))
	log.Info("Poller started")

	for {
		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Poller stopped")
				return
			}
			log.Warn("Dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.queue.cfg.PollInterval):
			}
			continue
		}

		if err := p.queue.Execute(ctx, job, workerID, p.process); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Failed to settle job", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
}
