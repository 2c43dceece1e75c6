// Package push delivers "premiere is live" notifications over Web Push.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

// ErrGone means the subscription will never accept messages again and should be deleted.
var ErrGone = errors.New("push subscription gone")

// Message is the notification payload delivered to the browser.
type Message struct {
	PremiereID uuid.UUID `json:"premiere_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	URL        string    `json:"url,omitempty"`
}

// Sender delivers a message to one subscription endpoint.
type Sender interface {
	Send(ctx context.Context, endpointBlob json.RawMessage, msg Message) error
}

// Config holds VAPID credentials and delivery options.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // contact for the push service, a mailto: address or https URL
	TTL             time.Duration
	Timeout         time.Duration
}

// WebPushSender sends encrypted Web Push messages signed with VAPID.
type WebPushSender struct {
	cfg    Config
	client *http.Client
}

// NewWebPushSender creates a WebPushSender.
func NewWebPushSender(cfg Config) (*WebPushSender, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("VAPID key pair is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &WebPushSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Send encrypts msg for the subscription in endpointBlob and posts it to the push service.
// A malformed blob and 404/410 responses are reported as ErrGone.
func (s *WebPushSender) Send(ctx context.Context, endpointBlob json.RawMessage, msg Message) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(endpointBlob, &sub); err != nil {
		return fmt.Errorf("%w: malformed subscription: %v", ErrGone, err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("%w: subscription is missing endpoint or keys", ErrGone)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             int(s.cfg.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("send push notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: push service returned %d", ErrGone, resp.StatusCode)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
}

// IsGone reports whether err means the subscription should be deleted.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}
