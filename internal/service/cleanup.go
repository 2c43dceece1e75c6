package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/clock"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/lifecycle"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// ErrSweepInProgress is returned when another sweep holds the guard.
var ErrSweepInProgress = errors.New("cleanup sweep already in progress")

const sweepLockKey = "premieres:cleanup:lock"

// EndedStore is the slice of the premiere repository the enforcer needs.
type EndedStore interface {
	ListEnded(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*models.Premiere, error)
	Purge(ctx context.Context, id uuid.UUID, now time.Time, grace time.Duration) error
}

// ObjectDeleter removes objects by key. Deleting a missing key succeeds.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// SweepError is one premiere the sweep could not purge.
type SweepError struct {
	PremiereID uuid.UUID `json:"premiere_id"`
	Cause      string    `json:"cause"`
}

// SweepReport is the outcome of one sweep.
type SweepReport struct {
	Purged     []uuid.UUID  `json:"purged"`
	Errors     []SweepError `json:"errors"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// EnforcerConfig tunes the enforcer.
type EnforcerConfig struct {
	BatchSize int
	LockTTL   time.Duration
}

// Enforcer purges premieres whose airing window has closed: asset object, then cover
// object, then the metadata row, each premiere independently.
type Enforcer struct {
	premieres EndedStore
	assets    ObjectDeleter
	covers    ObjectDeleter
	ops       OpsNotifier
	locker    Locker
	metrics   *metrics.Metrics
	clock     clock.Clock
	policy    lifecycle.Policy
	cfg       EnforcerConfig
	logger    *zap.Logger
	running   atomic.Bool
}

// NewEnforcer creates an Enforcer. ops, locker and m may be nil.
func NewEnforcer(
	premieres EndedStore,
	assets, covers ObjectDeleter,
	ops OpsNotifier,
	locker Locker,
	m *metrics.Metrics,
	clk clock.Clock,
	policy lifecycle.Policy,
	cfg EnforcerConfig,
	log *zap.Logger,
) *Enforcer {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Enforcer{
		premieres: premieres,
		assets:    assets,
		covers:    covers,
		ops:       ops,
		locker:    locker,
		metrics:   m,
		clock:     clk,
		policy:    policy,
		cfg:       cfg,
		logger:    logger.OrNop(log),
	}
}

// Sweep purges up to one batch of Ended premieres. It returns ErrSweepInProgress when a
// sweep is already running in this process or, with a locker, in another one.
// Per-premiere failures are collected in the report, never returned.
func (e *Enforcer) Sweep(ctx context.Context) (*SweepReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.ObserveSweepSkipped()
		return nil, ErrSweepInProgress
	}
	defer e.running.Store(false)

	if e.locker != nil {
		release, ok, err := e.locker.TryLock(ctx, sweepLockKey, e.cfg.LockTTL)
		switch {
		case err != nil:
			// Purges are conditional writes, so running without the lock is still safe.
			e.logger.Warn("Sweep lock unavailable, continuing without it", zap.Error(err))
		case !ok:
			e.metrics.ObserveSweepSkipped()
			return nil, ErrSweepInProgress
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					e.logger.Warn("Failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	now := e.clock.Now()
	report := &SweepReport{
		Purged:    make([]uuid.UUID, 0),
		Errors:    make([]SweepError, 0),
		StartedAt: now,
	}

	ended, err := e.premieres.ListEnded(ctx, now, e.policy.GraceWindow, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list ended premieres: %w", err)
	}

	for _, p := range ended {
		if ctx.Err() != nil {
			break
		}
		if err := e.purge(ctx, p, now); err != nil {
			report.Errors = append(report.Errors, SweepError{PremiereID: p.ID, Cause: err.Error()})
			e.logger.Warn("Failed to purge premiere",
				zap.String("premiere_id", p.ID.String()),
				zap.Error(err))
			continue
		}
		report.Purged = append(report.Purged, p.ID)
	}

	report.FinishedAt = e.clock.Now()
	e.metrics.ObserveSweep(len(report.Purged), len(report.Errors), time.Since(start))

	if len(report.Errors) > 0 && e.ops != nil {
		if err := e.ops.PublishSweepReport(ctx, report); err != nil {
			e.logger.Error("Failed to publish sweep errors", zap.Error(err))
		}
	}

	e.logger.Info("Cleanup sweep finished",
		zap.Int("candidates", len(ended)),
		zap.Int("purged", len(report.Purged)),
		zap.Int("errors", len(report.Errors)))

	return report, nil
}

// purge deletes one premiere's objects before its row, so a failure leaves the row for
// the next sweep to retry.
func (e *Enforcer) purge(ctx context.Context, p *models.Premiere, now time.Time) error {
	if p.AssetKey != nil {
		if err := e.assets.Delete(ctx, *p.AssetKey); err != nil {
			return fmt.Errorf("delete asset %s: %w", *p.AssetKey, err)
		}
	}
	if p.CoverKey != nil && e.covers != nil {
		if err := e.covers.Delete(ctx, *p.CoverKey); err != nil {
			return fmt.Errorf("delete cover %s: %w", *p.CoverKey, err)
		}
	}

	if err := e.premieres.Purge(ctx, p.ID, now, e.policy.GraceWindow); err != nil {
		if db.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}
