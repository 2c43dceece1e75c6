package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/clock"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/lifecycle"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/push"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// DueStore is the slice of the premiere repository the dispatcher needs.
type DueStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Premiere, error)
	ListDueForNotification(ctx context.Context, now time.Time, lookahead, grace time.Duration, limit int) ([]*models.Premiere, error)
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// SubscriptionStore lists and prunes push subscriptions.
type SubscriptionStore interface {
	ListByPremiere(ctx context.Context, premiereID uuid.UUID) ([]*models.PushSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// DispatchResult counts the outcome of a dispatch.
type DispatchResult struct {
	Premieres int `json:"premieres"`
	Sent      int `json:"sent"`
	Gone      int `json:"gone"`
	Failed    int `json:"failed"`
}

func (r *DispatchResult) add(o DispatchResult) {
	r.Premieres += o.Premieres
	r.Sent += o.Sent
	r.Gone += o.Gone
	r.Failed += o.Failed
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	Lookahead time.Duration
	BatchSize int
	// PublicURL is the viewer page base; the premiere ID is appended for the click target.
	PublicURL string
}

// Dispatcher sends "premiere is live" pushes. Automatic dispatch claims each premiere
// with a compare-and-set on notified_at before sending, so a premiere is announced at
// most once even when runs overlap.
type Dispatcher struct {
	premieres     DueStore
	subscriptions SubscriptionStore
	sender        push.Sender
	metrics       *metrics.Metrics
	clock         clock.Clock
	policy        lifecycle.Policy
	cfg           DispatcherConfig
	logger        *zap.Logger
	running       atomic.Bool
}

// NewDispatcher creates a Dispatcher. m and clk may be nil.
func NewDispatcher(
	premieres DueStore,
	subscriptions SubscriptionStore,
	sender push.Sender,
	m *metrics.Metrics,
	clk clock.Clock,
	policy lifecycle.Policy,
	cfg DispatcherConfig,
	log *zap.Logger,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		premieres:     premieres,
		subscriptions: subscriptions,
		sender:        sender,
		metrics:       m,
		clock:         clk,
		policy:        policy,
		cfg:           cfg,
		logger:        logger.OrNop(log),
	}
}

// DispatchDue notifies subscribers of every premiere that has started (or starts within
// the lookahead) and has not been announced. A run that overlaps another returns an
// empty result.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (*DispatchResult, error) {
	result := &DispatchResult{}
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Debug("Dispatch already running, skipping tick")
		return result, nil
	}
	defer d.running.Store(false)

	due, err := d.premieres.ListDueForNotification(ctx, now, d.cfg.Lookahead, d.policy.GraceWindow, d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due premieres: %w", err)
	}

	for _, p := range due {
		if ctx.Err() != nil {
			break
		}

		won, err := d.premieres.MarkNotified(ctx, p.ID, now)
		if err != nil {
			d.logger.Warn("Failed to claim premiere notification",
				zap.String("premiere_id", p.ID.String()),
				zap.Error(err))
			continue
		}
		if !won {
			continue
		}

		result.add(d.fanOut(ctx, p.ID, d.message(p, p.Title, "", now)))
	}

	if result.Premieres > 0 {
		d.logger.Info("Dispatched premiere notifications",
			zap.Int("premieres", result.Premieres),
			zap.Int("sent", result.Sent),
			zap.Int("gone", result.Gone),
			zap.Int("failed", result.Failed))
	}

	return result, nil
}

// DispatchManual fans out to a premiere's subscribers without touching notified_at.
// A premiere that no longer exists yields an empty result.
func (d *Dispatcher) DispatchManual(ctx context.Context, premiereID uuid.UUID, title, url string) (*DispatchResult, error) {
	p, err := d.premieres.GetByID(ctx, premiereID)
	if err != nil {
		if db.IsNotFound(err) {
			return &DispatchResult{}, nil
		}
		return nil, apperr.Transient("load premiere", err)
	}

	if title == "" {
		title = p.Title
	}
	result := d.fanOut(ctx, p.ID, d.message(p, title, url, d.clock.Now()))
	return &result, nil
}

const (
	bodyStarted = "The premiere has started. Watch it now."
	bodySoon    = "The premiere starts soon."
)

// message builds the push payload. The body reflects whether the premiere has started at now.
func (d *Dispatcher) message(p *models.Premiere, title, url string, now time.Time) push.Message {
	if url == "" && d.cfg.PublicURL != "" {
		url = d.cfg.PublicURL + "/" + p.ID.String()
	}
	body := bodySoon
	if lifecycle.HasStarted(now, p.ScheduledAt) {
		body = bodyStarted
	}
	return push.Message{
		PremiereID: p.ID,
		Title:      title,
		Body:       body,
		URL:        url,
	}
}

// fanOut delivers msg to every subscriber of premiereID. Gone subscriptions are deleted;
// other delivery failures are logged and left for the subscriber to re-register.
func (d *Dispatcher) fanOut(ctx context.Context, premiereID uuid.UUID, msg push.Message) DispatchResult {
	result := DispatchResult{Premieres: 1}
	log := d.logger.With(zap.String("premiere_id", premiereID.String()))

	subs, err := d.subscriptions.ListByPremiere(ctx, premiereID)
	if err != nil {
		log.Error("Failed to list push subscriptions", zap.Error(err))
		return result
	}

	for _, sub := range subs {
		err := d.sender.Send(ctx, sub.EndpointBlob, msg)
		switch {
		case err == nil:
			result.Sent++
			d.metrics.ObserveNotification(metrics.NotificationSent)
		case push.IsGone(err):
			result.Gone++
			d.metrics.ObserveNotification(metrics.NotificationGone)
			if delErr := d.subscriptions.Delete(ctx, sub.ID); delErr != nil && !db.IsNotFound(delErr) {
				log.Warn("Failed to delete gone subscription",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(delErr))
			}
		default:
			result.Failed++
			d.metrics.ObserveNotification(metrics.NotificationFailed)
			log.Warn("Push delivery failed",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err))
		}
	}

	return result
}
