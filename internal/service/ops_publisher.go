package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/config"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// Operator event types, also used as the routing key suffix.
const (
	OpsEventSweepErrors  = "sweep.errors"
	OpsEventJobExhausted = "job.exhausted"
)

// OpsEvent is a message on the operator channel.
type OpsEvent struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// JobExhaustedEvent describes a transcode job that ran out of retries.
type JobExhaustedEvent struct {
	JobID        uuid.UUID `json:"job_id"`
	PremiereID   uuid.UUID `json:"premiere_id"`
	InputRef     string    `json:"input_ref"`
	AttemptCount int       `json:"attempt_count"`
	Cause        string    `json:"cause"`
}

// OpsNotifier reports failures that need an operator.
type OpsNotifier interface {
	PublishSweepReport(ctx context.Context, report *SweepReport) error
	PublishJobExhausted(ctx context.Context, job *models.TranscodeJob, cause error) error
}

// OpsPublisher sends operator events to a RabbitMQ topic exchange with publisher confirms.
type OpsPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *config.RabbitMQConfig
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewOpsPublisher connects to RabbitMQ and declares the exchange and alert queue.
func NewOpsPublisher(cfg *config.RabbitMQConfig, log *zap.Logger) (*OpsPublisher, error) {
	p := &OpsPublisher{
		config: cfg,
		logger: logger.OrNop(log),
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *OpsPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	connURL := fmt.Sprintf("amqp://%s:%s@%s:%d/",
		p.config.User, p.config.Password, p.config.Host, p.config.Port)

	conn, err := amqp.Dial(connURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		p.config.Queue, // name
		true,           // durable
		false,          // delete when unused
		false,          // exclusive
		false,          // no-wait
		amqp.Table{
			"x-message-ttl": 7 * 86400000, // 7 days
			"x-max-length":  10000,
		},
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(
		p.config.Queue,      // queue name
		p.config.RoutingKey, // binding pattern
		p.config.Exchange,   // exchange
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	p.conn = conn
	p.channel = ch

	p.logger.Info("Connected to RabbitMQ",
		zap.String("exchange", p.config.Exchange),
		zap.String("queue", p.config.Queue),
	)

	return nil
}

// PublishSweepReport publishes the per-premiere errors of a sweep. Clean sweeps publish nothing.
func (p *OpsPublisher) PublishSweepReport(ctx context.Context, report *SweepReport) error {
	if report == nil || len(report.Errors) == 0 {
		return nil
	}
	return p.publish(ctx, OpsEventSweepErrors, report)
}

// PublishJobExhausted publishes a job that will not be retried again.
func (p *OpsPublisher) PublishJobExhausted(ctx context.Context, job *models.TranscodeJob, cause error) error {
	event := JobExhaustedEvent{
		JobID:        job.ID,
		PremiereID:   job.PremiereID,
		InputRef:     job.InputRef,
		AttemptCount: job.AttemptCount,
	}
	if cause != nil {
		event.Cause = cause.Error()
	}
	return p.publish(ctx, OpsEventJobExhausted, event)
}

func (p *OpsPublisher) publish(ctx context.Context, eventType string, data any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.channel == nil {
		return errors.New("channel is not initialized")
	}

	event, err := newOpsEvent(eventType, data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.config.Exchange, // exchange
		"ops."+eventType,  // routing key
		true,              // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
			MessageId:    event.ID.String(),
			Type:         eventType,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if confirm == nil {
		return errors.New("channel is not in confirm mode")
	}

	if err := awaitConfirm(ctx, confirm, confirmTimeout); err != nil {
		return err
	}

	p.logger.Debug("Published operator event",
		zap.String("event_id", event.ID.String()),
		zap.String("type", eventType),
	)

	return nil
}

const confirmTimeout = 5 * time.Second

// confirmation is the broker's pending answer to a single publish.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm waits up to timeout for the broker to ack one publish. Each publish owns
// its confirmation, so an abandoned wait leaves nothing behind on the channel.
func awaitConfirm(ctx context.Context, c confirmation, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acked, err := c.WaitContext(waitCtx)
	switch {
	case err == nil && !acked:
		return errors.New("message was not acknowledged by broker")
	case err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return errors.New("timeout waiting for publish confirmation")
	case err != nil:
		return err
	}
	return nil
}

func newOpsEvent(eventType string, data any) (*OpsEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &OpsEvent{
		ID:         uuid.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// Close closes the channel and connection.
func (p *OpsPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing publisher: %v", errs)
	}

	p.logger.Info("RabbitMQ publisher closed")
	return nil
}

// IsHealthy reports whether the connection and channel are open.
func (p *OpsPublisher) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.conn != nil && !p.conn.IsClosed() && p.channel != nil
}

// LogNotifier is the OpsNotifier used when no broker is configured. Events are logged.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.OrNop(log)}
}

func (n *LogNotifier) PublishSweepReport(_ context.Context, report *SweepReport) error {
	if report == nil {
		return nil
	}
	for _, e := range report.Errors {
		n.logger.Error("Cleanup failed for premiere",
			zap.String("premiere_id", e.PremiereID.String()),
			zap.String("cause", e.Cause))
	}
	return nil
}

func (n *LogNotifier) PublishJobExhausted(_ context.Context, job *models.TranscodeJob, cause error) error {
	n.logger.Error("Transcode job exhausted its retries",
		zap.String("job_id", job.ID.String()),
		zap.String("premiere_id", job.PremiereID.String()),
		zap.String("input_ref", job.InputRef),
		zap.Error(cause))
	return nil
}

// ExhaustedHook adapts an OpsNotifier to the job queue's exhausted callback.
func ExhaustedHook(n OpsNotifier) func(ctx context.Context, job *models.TranscodeJob, cause error) error {
	return func(ctx context.Context, job *models.TranscodeJob, cause error) error {
		return n.PublishJobExhausted(ctx, job, cause)
	}
}
