package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
)

// PushSubscriptionRepository defines operations for managing push subscriptions.
type PushSubscriptionRepository interface {
	// Upsert inserts the subscription or overwrites the endpoint of the existing
	// (user_id, premiere_id) row. On return sub holds the stored row.
	Upsert(ctx context.Context, sub *models.PushSubscription) error

	// ListByPremiere retrieves every subscription registered for a premiere.
	ListByPremiere(ctx context.Context, premiereID uuid.UUID) ([]*models.PushSubscription, error)

	// Delete removes a subscription. Deleting a missing row returns db.ErrNotFound.
	Delete(ctx context.Context, id uuid.UUID) error
}

type pushSubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewPushSubscriptionRepository creates a new PushSubscriptionRepository.
func NewPushSubscriptionRepository(pool *pgxpool.Pool) PushSubscriptionRepository {
	return &pushSubscriptionRepository{pool: pool}
}

func (r *pushSubscriptionRepository) Upsert(ctx context.Context, sub *models.PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (id, user_id, premiere_id, endpoint_blob, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, premiere_id) DO UPDATE
		SET endpoint_blob = EXCLUDED.endpoint_blob,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	err := db.Conn(ctx, r.pool).QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.PremiereID, sub.EndpointBlob, time.Now().UTC(),
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return db.WrapError(err, "upsert push subscription")
	}

	return nil
}

func (r *pushSubscriptionRepository) ListByPremiere(ctx context.Context, premiereID uuid.UUID) ([]*models.PushSubscription, error) {
	query := `
		SELECT id, user_id, premiere_id, endpoint_blob, created_at, updated_at
		FROM push_subscriptions
		WHERE premiere_id = $1
		ORDER BY created_at ASC
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, premiereID)
	if err != nil {
		return nil, db.WrapError(err, "list push subscriptions")
	}
	defer rows.Close()

	subs := make([]*models.PushSubscription, 0)
	for rows.Next() {
		sub := &models.PushSubscription{}
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.PremiereID, &sub.EndpointBlob, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, db.WrapError(err, "scan push subscription")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError(err, "list push subscriptions")
	}

	return subs, nil
}

func (r *pushSubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id)
	if err != nil {
		return db.WrapError(err, "delete push subscription")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete push subscription %s: %w", id, db.ErrNotFound)
	}

	return nil
}
