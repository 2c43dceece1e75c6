package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/lifecycle"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/push"
)

var testNow = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

// memPremieres is an in-memory premiere table that evaluates the same predicates the
// SQL repository does.
type memPremieres struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*models.Premiere
	policy    lifecycle.Policy
	listErr   error
	purgeErr  map[uuid.UUID]error
	onListEnd func()
}

func newMemPremieres() *memPremieres {
	return &memPremieres{
		rows:     make(map[uuid.UUID]*models.Premiere),
		policy:   lifecycle.DefaultPolicy(),
		purgeErr: make(map[uuid.UUID]error),
	}
}

func (m *memPremieres) put(p *models.Premiere) *models.Premiere {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.rows[p.ID] = p
	return p
}

func (m *memPremieres) has(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	return ok
}

func (m *memPremieres) get(id uuid.UUID) *models.Premiere {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memPremieres) sorted() []*models.Premiere {
	out := make([]*models.Premiere, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (m *memPremieres) Create(_ context.Context, p *models.Premiere) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return fmt.Errorf("create premiere: %w", db.ErrDuplicateKey)
	}
	m.rows[p.ID] = p
	return nil
}

func (m *memPremieres) GetByID(_ context.Context, id uuid.UUID) (*models.Premiere, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("get premiere by id: %w", db.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memPremieres) List(_ context.Context, filters repository.PremiereFilters) ([]*models.Premiere, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var out []*models.Premiere
	for _, p := range m.sorted() {
		if filters.OwnerID == "" || p.OwnerID == filters.OwnerID {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *memPremieres) Reschedule(_ context.Context, id uuid.UUID, scheduledAt, now time.Time) (*models.Premiere, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if lifecycle.HasStarted(now, p.ScheduledAt) {
		return nil, db.ErrImmutableRecord
	}
	p.ScheduledAt = scheduledAt
	p.NotifiedAt = nil
	cp := *p
	return &cp, nil
}

func (m *memPremieres) UpdateDetails(_ context.Context, id uuid.UUID, title, description string, now time.Time) (*models.Premiere, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if lifecycle.HasStarted(now, p.ScheduledAt) {
		return nil, db.ErrImmutableRecord
	}
	p.Title, p.Description = title, description
	cp := *p
	return &cp, nil
}

func (m *memPremieres) ListEnded(_ context.Context, now time.Time, grace time.Duration, limit int) ([]*models.Premiere, error) {
	if m.onListEnd != nil {
		m.onListEnd()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	policy := lifecycle.Policy{SoonWindow: m.policy.SoonWindow, GraceWindow: grace}
	var out []*models.Premiere
	for _, p := range m.sorted() {
		if p.State(now, policy) == lifecycle.StateEnded && len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPremieres) Purge(_ context.Context, id uuid.UUID, now time.Time, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.purgeErr[id]; ok {
		return err
	}
	p, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("purge premiere %s: %w", id, db.ErrNotFound)
	}
	policy := lifecycle.Policy{SoonWindow: m.policy.SoonWindow, GraceWindow: grace}
	if p.State(now, policy) != lifecycle.StateEnded {
		return fmt.Errorf("purge premiere %s: %w", id, db.ErrConflict)
	}
	delete(m.rows, id)
	return nil
}

func (m *memPremieres) ListDueForNotification(_ context.Context, now time.Time, lookahead, grace time.Duration, limit int) ([]*models.Premiere, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Premiere
	for _, p := range m.sorted() {
		if p.NotifiedAt != nil || p.DurationSeconds == nil {
			continue
		}
		if p.ScheduledAt.After(now.Add(lookahead)) {
			continue
		}
		if !lifecycle.EndOfWindow(p.ScheduledAt, *p.DurationSeconds, lifecycle.Policy{GraceWindow: grace}).After(now) {
			continue
		}
		if len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPremieres) MarkNotified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.NotifiedAt != nil {
		return false, nil
	}
	p.NotifiedAt = &at
	return true, nil
}

// memObjects is an object bucket; deleting a missing key succeeds.
type memObjects struct {
	mu      sync.Mutex
	objects map[string]bool
	failing map[string]error
}

func newMemObjects(keys ...string) *memObjects {
	m := &memObjects{objects: make(map[string]bool), failing: make(map[string]error)}
	for _, k := range keys {
		m.objects[k] = true
	}
	return m
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failing[key]; ok {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key]
}

// memSubscriptions stores push subscriptions keyed by (user, premiere).
type memSubscriptions struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*models.PushSubscription
	deleted []uuid.UUID
	fkCheck func(uuid.UUID) bool
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{rows: make(map[uuid.UUID]*models.PushSubscription)}
}

func (m *memSubscriptions) Upsert(_ context.Context, sub *models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fkCheck != nil && !m.fkCheck(sub.PremiereID) {
		return fmt.Errorf("upsert push subscription: %w", db.ErrForeignKeyViolation)
	}
	for _, existing := range m.rows {
		if existing.UserID == sub.UserID && existing.PremiereID == sub.PremiereID {
			existing.EndpointBlob = sub.EndpointBlob
			sub.ID = existing.ID
			return nil
		}
	}
	m.rows[sub.ID] = sub
	return nil
}

func (m *memSubscriptions) ListByPremiere(_ context.Context, premiereID uuid.UUID) ([]*models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PushSubscription
	for _, s := range m.rows {
		if s.PremiereID == premiereID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memSubscriptions) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.rows, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memSubscriptions) add(userID string, premiereID uuid.UUID, endpoint string) *models.PushSubscription {
	blob, _ := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"keys":     map[string]string{"p256dh": "AAAA", "auth": "AAAA"},
	})
	sub := models.NewPushSubscription(userID, premiereID, blob)
	m.mu.Lock()
	m.rows[sub.ID] = sub
	m.mu.Unlock()
	return sub
}

func (m *memSubscriptions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// fakeSender answers per endpoint and records every delivery.
type fakeSender struct {
	mu        sync.Mutex
	responses map[string]error
	sent      []string
	messages  map[string][]push.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{responses: make(map[string]error), messages: make(map[string][]push.Message)}
}

func (f *fakeSender) Send(_ context.Context, blob json.RawMessage, msg push.Message) error {
	var sub struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(blob, &sub); err != nil {
		return push.ErrGone
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sub.Endpoint)
	f.messages[sub.Endpoint] = append(f.messages[sub.Endpoint], msg)
	return f.responses[sub.Endpoint]
}

func (f *fakeSender) messagesTo(endpoint string) []push.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push.Message(nil), f.messages[endpoint]...)
}

func (f *fakeSender) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// recordingOps captures operator events.
type recordingOps struct {
	mu        sync.Mutex
	reports   []*SweepReport
	exhausted []uuid.UUID
	err       error
}

func (r *recordingOps) PublishSweepReport(_ context.Context, report *SweepReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *recordingOps) PublishJobExhausted(_ context.Context, job *models.TranscodeJob, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted = append(r.exhausted, job.ID)
	return r.err
}

var errStorageDown = errors.New("503 service unavailable")
