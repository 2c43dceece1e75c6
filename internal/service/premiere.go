// Package service holds the premiere use cases: ingest, subscriptions, dispatch and cleanup.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/clock"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/lifecycle"
	dto "github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/validation"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// PremiereStore is the slice of the premiere repository the service needs.
type PremiereStore interface {
	Create(ctx context.Context, p *models.Premiere) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Premiere, error)
	List(ctx context.Context, filters repository.PremiereFilters) ([]*models.Premiere, int, error)
	Reschedule(ctx context.Context, id uuid.UUID, scheduledAt, now time.Time) (*models.Premiere, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, title, description string, now time.Time) (*models.Premiere, error)
}

// SubscriptionWriter upserts push subscriptions.
type SubscriptionWriter interface {
	Upsert(ctx context.Context, sub *models.PushSubscription) error
}

// Enqueuer records a transcode job.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.TranscodeJob) (uuid.UUID, error)
}

// PremiereService implements the premiere API use cases.
type PremiereService struct {
	premieres     PremiereStore
	subscriptions SubscriptionWriter
	queue         Enqueuer
	tx            db.Transactor
	validator     *validation.Validator
	clock         clock.Clock
	policy        lifecycle.Policy
	logger        *zap.Logger
}

// NewPremiereService creates a PremiereService.
func NewPremiereService(
	premieres PremiereStore,
	subscriptions SubscriptionWriter,
	queue Enqueuer,
	tx db.Transactor,
	validator *validation.Validator,
	clk clock.Clock,
	policy lifecycle.Policy,
	log *zap.Logger,
) *PremiereService {
	if clk == nil {
		clk = clock.New()
	}
	if validator == nil {
		validator = validation.New("")
	}
	return &PremiereService{
		premieres:     premieres,
		subscriptions: subscriptions,
		queue:         queue,
		tx:            tx,
		validator:     validator,
		clock:         clk,
		policy:        policy,
		logger:        logger.OrNop(log),
	}
}

// Ingest reserves the premiere row and enqueues its transcode job in one transaction.
// The premiere stays Pending until the worker records the asset and duration.
func (s *PremiereService) Ingest(ctx context.Context, req *dto.IngestRequest) (*dto.IngestResponse, error) {
	if err := s.validator.ValidateIngest(req, s.clock.Now()); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	fields := models.PremiereFields{
		Title:       req.Title,
		Description: req.Description,
		OwnerID:     req.OwnerID,
		ScheduledAt: req.ScheduledAt.UTC(),
		CoverKey:    req.CoverKey,
	}
	if err := fields.Validate(); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	premiere := models.NewPremiere(uuid.New(), fields)
	job := models.NewTranscodeJob(premiere.ID, req.RawFileRef, fields)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.premieres.Create(ctx, premiere); err != nil {
			return err
		}
		_, err := s.queue.Enqueue(ctx, job)
		return err
	})
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Transient("ingest premiere", err)
		}
		s.logger.Error("Failed to ingest premiere",
			zap.String("raw_file_ref", req.RawFileRef),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Premiere ingested",
		zap.String("premiere_id", premiere.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.Time("scheduled_at", premiere.ScheduledAt))

	return &dto.IngestResponse{JobID: job.ID, PremiereID: premiere.ID}, nil
}

// Subscribe registers (or replaces) userID's push subscription for premiereID.
func (s *PremiereService) Subscribe(ctx context.Context, req *dto.SubscribeRequest) error {
	premiereID, err := validation.ParseID("premiere_id", req.PremiereID)
	if err != nil {
		return apperr.Validation(err.Error())
	}
	if !s.validator.IsValidUserID(req.UserID) {
		return apperr.Validation("invalid user_id format")
	}
	if err := s.validator.ValidateSubscription(req.Subscription); err != nil {
		return apperr.Validation(err.Error())
	}

	if _, err := s.premieres.GetByID(ctx, premiereID); err != nil {
		return s.storeErr("load premiere", err)
	}

	sub := models.NewPushSubscription(req.UserID, premiereID, req.Subscription)
	if err := s.subscriptions.Upsert(ctx, sub); err != nil {
		// The premiere was purged between the lookup and the insert.
		if db.IsForeignKeyViolation(err) {
			return &apperr.Error{Kind: apperr.KindNotFound, Op: "subscribe", Message: "Premiere not found", Err: err}
		}
		return apperr.Transient("subscribe", err)
	}

	s.logger.Debug("Push subscription stored",
		zap.String("premiere_id", premiereID.String()),
		zap.String("subscription_id", sub.ID.String()))
	return nil
}

// Get returns a premiere with its state at the current instant.
func (s *PremiereService) Get(ctx context.Context, id uuid.UUID) (*dto.PremiereResponse, error) {
	p, err := s.premieres.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeErr("get premiere", err)
	}
	return s.toResponse(p, s.clock.Now()), nil
}

// List returns a page of premieres with their states.
func (s *PremiereService) List(ctx context.Context, filters repository.PremiereFilters) (*dto.PremiereListResponse, error) {
	premieres, total, err := s.premieres.List(ctx, filters)
	if err != nil {
		return nil, apperr.Transient("list premieres", err)
	}

	now := s.clock.Now()
	items := make([]*dto.PremiereResponse, 0, len(premieres))
	for _, p := range premieres {
		items = append(items, s.toResponse(p, now))
	}

	return &dto.PremiereListResponse{
		Items:  items,
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	}, nil
}

// Reschedule moves a premiere that has not started. Clears notified_at.
func (s *PremiereService) Reschedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*dto.PremiereResponse, error) {
	now := s.clock.Now()
	if err := s.validator.ValidateSchedule(scheduledAt, now); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	p, err := s.premieres.Reschedule(ctx, id, scheduledAt, now)
	if err != nil {
		return nil, s.storeErr("reschedule premiere", err)
	}

	s.logger.Info("Premiere rescheduled",
		zap.String("premiere_id", id.String()),
		zap.Time("scheduled_at", p.ScheduledAt))
	return s.toResponse(p, now), nil
}

// UpdateDetails edits title and description of a premiere that has not started.
func (s *PremiereService) UpdateDetails(ctx context.Context, id uuid.UUID, title, description string) (*dto.PremiereResponse, error) {
	if err := models.ValidateDetails(title, description); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	now := s.clock.Now()
	p, err := s.premieres.UpdateDetails(ctx, id, title, description, now)
	if err != nil {
		return nil, s.storeErr("update premiere details", err)
	}
	return s.toResponse(p, now), nil
}

func (s *PremiereService) storeErr(op string, err error) error {
	switch {
	case db.IsNotFound(err):
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Message: "Premiere not found", Err: err}
	case db.IsImmutableRecord(err):
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "Premiere has already started and can no longer be changed", Err: err}
	default:
		return apperr.Transient(op, err)
	}
}

func (s *PremiereService) toResponse(p *models.Premiere, now time.Time) *dto.PremiereResponse {
	resp := &dto.PremiereResponse{
		ID:              p.ID,
		Title:           p.Title,
		Description:     p.Description,
		OwnerID:         p.OwnerID,
		State:           string(p.State(now, s.policy)),
		ScheduledAt:     p.ScheduledAt,
		DurationSeconds: p.DurationSeconds,
		CoverKey:        p.CoverKey,
		NotifiedAt:      p.NotifiedAt,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.DurationSeconds != nil {
		end := lifecycle.EndOfWindow(p.ScheduledAt, *p.DurationSeconds, s.policy)
		resp.EndsAt = &end
	}
	// The asset is only exposed while viewers may watch it.
	if lifecycle.State(resp.State).Visible() {
		resp.AssetKey = p.AssetKey
	}
	return resp
}
