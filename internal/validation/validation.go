package validation

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
)

var (
	objectKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9!_.*'()/-]*$`)
	userIDRegex    = regexp.MustCompile(`^[a-zA-Z0-9_.@:|-]{1,128}$`)
)

// MaxObjectKeyLen is the S3 limit on object key length in bytes.
const MaxObjectKeyLen = 1024

// MaxScheduleAhead bounds how far in the future a premiere may be scheduled.
const MaxScheduleAhead = 365 * 24 * time.Hour

type Validator struct {
	rawPrefix string
}

// New creates a Validator. A non-empty rawPrefix requires ingested refs to live under it.
func New(rawPrefix string) *Validator {
	return &Validator{rawPrefix: strings.Trim(rawPrefix, "/")}
}

func (v *Validator) ValidateIngest(req *models.IngestRequest, now time.Time) error {
	if !v.IsValidObjectKey(req.RawFileRef) {
		return fmt.Errorf("invalid raw_file_ref: %s", req.RawFileRef)
	}
	if v.rawPrefix != "" && !strings.HasPrefix(req.RawFileRef, v.rawPrefix+"/") {
		return fmt.Errorf("raw_file_ref must be under %s/", v.rawPrefix)
	}
	if req.CoverKey != nil && !v.IsValidObjectKey(*req.CoverKey) {
		return fmt.Errorf("invalid cover_key: %s", *req.CoverKey)
	}
	if err := v.ValidateSchedule(req.ScheduledAt, now); err != nil {
		return err
	}
	return nil
}

func (v *Validator) ValidateSchedule(scheduledAt, now time.Time) error {
	if scheduledAt.IsZero() {
		return errors.New("scheduled_at is required")
	}
	if scheduledAt.Before(now) {
		return errors.New("scheduled_at must not be in the past")
	}
	if scheduledAt.After(now.Add(MaxScheduleAhead)) {
		return errors.New("scheduled_at is too far in the future (>365 days)")
	}
	return nil
}

type pushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// ValidateSubscription checks the browser's PushSubscription JSON has an https endpoint
// and both encryption keys. The blob itself is stored verbatim.
func (v *Validator) ValidateSubscription(blob json.RawMessage) error {
	var sub pushSubscription
	if err := json.Unmarshal(blob, &sub); err != nil {
		return errors.New("subscription must be a JSON object")
	}

	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return errors.New("subscription endpoint must be an https URL")
	}

	if !isBase64URL(sub.Keys.P256dh) {
		return errors.New("subscription keys.p256dh is missing or malformed")
	}
	if !isBase64URL(sub.Keys.Auth) {
		return errors.New("subscription keys.auth is missing or malformed")
	}
	return nil
}

func (v *Validator) ValidateClickURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid url: %s", raw)
	}
	return nil
}

func (v *Validator) IsValidObjectKey(key string) bool {
	if len(key) > MaxObjectKeyLen {
		return false
	}
	return objectKeyRegex.MatchString(key) && !strings.Contains(key, "..") && !strings.Contains(key, "//")
}

func (v *Validator) IsValidUserID(userID string) bool {
	return userIDRegex.MatchString(userID)
}

// ParseID parses a UUID path or body field.
func ParseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s format", field)
	}
	return id, nil
}

func isBase64URL(s string) bool {
	if s == "" {
		return false
	}
	s = strings.TrimRight(s, "=")
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}
