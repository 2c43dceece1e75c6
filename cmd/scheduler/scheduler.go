package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/queue"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// task is one periodic job of the scheduler.
type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Scheduler runs each task once at start and then on its own ticker until the context
// is cancelled. A failing run is logged and retried on the next tick.
type Scheduler struct {
	tasks  []task
	logger *zap.Logger
}

func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger.OrNop(log)}
}

// Every registers fn under name.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, run: fn})
}

// Run blocks until ctx is cancelled and every task loop has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	log := s.logger.With(zap.String("task", t.name))
	log.Info("Task scheduled", zap.Duration("interval", t.interval))

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	s.runOnce(ctx, t, log)
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, t, log)
		case <-ctx.Done():
			log.Info("Task stopped")
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t task, log *zap.Logger) {
	start := time.Now()
	if err := t.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("Scheduled run failed", zap.Error(err))
		return
	}
	log.Debug("Scheduled run finished", zap.Duration("took", time.Since(start)))
}

// Sweeper purges ended premieres.
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// DueDispatcher announces premieres that went live.
type DueDispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) (*service.DispatchResult, error)
}

// Recoverer returns abandoned jobs to the queue.
type Recoverer interface {
	RecoverExpired(ctx context.Context) (*queue.RecoveryReport, error)
}

func sweepTask(sweeper Sweeper, log *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		// The enforcer logs and publishes its own report.
		_, err := sweeper.Sweep(ctx)
		if errors.Is(err, service.ErrSweepInProgress) {
			log.Info("Cleanup sweep skipped, another sweep holds the lock")
			return nil
		}
		return err
	}
}

func dispatchTask(dispatcher DueDispatcher, now func() time.Time, log *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		result, err := dispatcher.DispatchDue(ctx, now())
		if err != nil {
			return err
		}
		if result.Premieres > 0 {
			log.Info("Due notifications dispatched",
				zap.Int("premieres", result.Premieres),
				zap.Int("sent", result.Sent),
				zap.Int("gone", result.Gone),
				zap.Int("failed", result.Failed))
		}
		return nil
	}
}

func recoverTask(recoverer Recoverer, log *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		report, err := recoverer.RecoverExpired(ctx)
		if err != nil {
			return err
		}
		if report.Exhausted > 0 || report.Reannounced > 0 {
			log.Info("Expired jobs recovered",
				zap.Int("exhausted", report.Exhausted),
				zap.Int("reannounced", report.Reannounced))
		}
		return nil
	}
}
