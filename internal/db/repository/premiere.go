package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
)

// PremiereFilters contains filters for listing premieres.
type PremiereFilters struct {
	OwnerID string
	Limit   int
	Offset  int
}

// PremiereRepository defines conditional reads and writes over premieres. Every mutation
// carries its precondition in the WHERE clause; callers never lock rows.
type PremiereRepository interface {
	// Create inserts a premiere reserved at ingest time.
	Create(ctx context.Context, p *models.Premiere) error

	// GetByID retrieves a premiere by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Premiere, error)

	// List retrieves premieres ordered by scheduled_at, and the total count.
	List(ctx context.Context, filters PremiereFilters) ([]*models.Premiere, int, error)

	// FinalizeAsset upserts the premiere with its asset key and duration, only while no
	// asset has been recorded. Returns db.ErrConflict when another finalize won.
	FinalizeAsset(ctx context.Context, p *models.Premiere) (*models.Premiere, error)

	// Reschedule moves scheduled_at while now is still before the current scheduled_at.
	// Returns db.ErrImmutableRecord once the premiere has started.
	Reschedule(ctx context.Context, id uuid.UUID, scheduledAt, now time.Time) (*models.Premiere, error)

	// UpdateDetails changes title and description under the same precondition as Reschedule.
	UpdateDetails(ctx context.Context, id uuid.UUID, title, description string, now time.Time) (*models.Premiere, error)

	// ListEnded returns premieres whose airing window plus grace closed at or before now.
	ListEnded(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*models.Premiere, error)

	// Purge deletes the premiere row if it is still Ended at now. Subscriptions and the job
	// ledger cascade. Returns db.ErrNotFound when already purged.
	Purge(ctx context.Context, id uuid.UUID, now time.Time, grace time.Duration) error

	// ListDueForNotification returns transcoded, un-notified premieres scheduled at or before
	// now+lookahead that have not yet ended.
	ListDueForNotification(ctx context.Context, now time.Time, lookahead, grace time.Duration, limit int) ([]*models.Premiere, error)

	// MarkNotified sets notified_at if it is still NULL. Reports whether this call won.
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

const premiereColumns = `
	id, title, description, owner_id, asset_key, cover_key,
	scheduled_at, duration_seconds, notified_at, created_at, updated_at`

// endedPredicate matches lifecycle.Classify == Ended with $now and $grace bound by the caller.
const endedPredicate = `duration_seconds IS NOT NULL
	AND scheduled_at + make_interval(secs => duration_seconds + %s::int) <= %s`

type premiereRepository struct {
	pool *pgxpool.Pool
}

// NewPremiereRepository creates a new PremiereRepository.
func NewPremiereRepository(pool *pgxpool.Pool) PremiereRepository {
	return &premiereRepository{pool: pool}
}

func scanPremiere(row pgx.Row) (*models.Premiere, error) {
	p := &models.Premiere{}
	err := row.Scan(
		&p.ID, &p.Title, &p.Description, &p.OwnerID, &p.AssetKey, &p.CoverKey,
		&p.ScheduledAt, &p.DurationSeconds, &p.NotifiedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func collectPremieres(rows pgx.Rows, op string) ([]*models.Premiere, error) {
	defer rows.Close()

	premieres := make([]*models.Premiere, 0)
	for rows.Next() {
		p, err := scanPremiere(rows)
		if err != nil {
			return nil, db.WrapError(err, "scan "+op)
		}
		premieres = append(premieres, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError(err, op)
	}
	return premieres, nil
}

func graceSeconds(grace time.Duration) int {
	return int(grace / time.Second)
}

func (r *premiereRepository) Create(ctx context.Context, p *models.Premiere) error {
	query := `
		INSERT INTO premieres (
			id, title, description, owner_id, asset_key, cover_key,
			scheduled_at, duration_seconds, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	now := time.Now().UTC()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	err := db.Conn(ctx, r.pool).QueryRow(ctx, query,
		p.ID, p.Title, p.Description, p.OwnerID, p.AssetKey, p.CoverKey,
		p.ScheduledAt, p.DurationSeconds, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return db.WrapError(err, "create premiere")
	}

	return nil
}

func (r *premiereRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Premiere, error) {
	query := `SELECT ` + premiereColumns + ` FROM premieres WHERE id = $1`

	p, err := scanPremiere(db.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, db.WrapError(err, "get premiere by id")
	}

	return p, nil
}

func (r *premiereRepository) List(ctx context.Context, filters PremiereFilters) ([]*models.Premiere, int, error) {
	if filters.Limit <= 0 || filters.Limit > 500 {
		filters.Limit = 100
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	whereClause := ""
	args := make([]any, 0, 3)
	if filters.OwnerID != "" {
		whereClause = " WHERE owner_id = $1"
		args = append(args, filters.OwnerID)
	}

	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*)::int FROM premieres"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, db.WrapError(err, "count premieres")
	}

	argIndex := len(args) + 1
	query := `SELECT ` + premiereColumns + ` FROM premieres` + whereClause +
		fmt.Sprintf(" ORDER BY scheduled_at ASC, id ASC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filters.Limit, filters.Offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.WrapError(err, "list premieres")
	}

	premieres, err := collectPremieres(rows, "list premieres")
	if err != nil {
		return nil, 0, err
	}

	return premieres, total, nil
}

func (r *premiereRepository) FinalizeAsset(ctx context.Context, p *models.Premiere) (*models.Premiere, error) {
	if p.AssetKey == nil || p.DurationSeconds == nil {
		return nil, fmt.Errorf("finalize premiere %s: asset key and duration are required", p.ID)
	}

	query := `
		INSERT INTO premieres (
			id, title, description, owner_id, asset_key, cover_key,
			scheduled_at, duration_seconds, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE
		SET asset_key = EXCLUDED.asset_key,
		    duration_seconds = EXCLUDED.duration_seconds,
		    updated_at = EXCLUDED.updated_at
		WHERE premieres.asset_key IS NULL
		RETURNING ` + premiereColumns

	finalized, err := scanPremiere(db.Conn(ctx, r.pool).QueryRow(ctx, query,
		p.ID, p.Title, p.Description, p.OwnerID, p.AssetKey, p.CoverKey,
		p.ScheduledAt, p.DurationSeconds, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("finalize premiere %s: %w", p.ID, db.ErrConflict)
		}
		return nil, db.WrapError(err, "finalize premiere")
	}

	return finalized, nil
}

func (r *premiereRepository) Reschedule(ctx context.Context, id uuid.UUID, scheduledAt, now time.Time) (*models.Premiere, error) {
	query := `
		UPDATE premieres
		SET scheduled_at = $2, notified_at = NULL, updated_at = $3
		WHERE id = $1 AND $3 < scheduled_at
		RETURNING ` + premiereColumns

	p, err := scanPremiere(db.Conn(ctx, r.pool).QueryRow(ctx, query, id, scheduledAt.UTC(), now))
	if err != nil {
		return nil, r.explainMiss(ctx, id, err, "reschedule premiere")
	}

	return p, nil
}

func (r *premiereRepository) UpdateDetails(ctx context.Context, id uuid.UUID, title, description string, now time.Time) (*models.Premiere, error) {
	query := `
		UPDATE premieres
		SET title = $2, description = $3, updated_at = $4
		WHERE id = $1 AND $4 < scheduled_at
		RETURNING ` + premiereColumns

	p, err := scanPremiere(db.Conn(ctx, r.pool).QueryRow(ctx, query, id, title, description, now))
	if err != nil {
		return nil, r.explainMiss(ctx, id, err, "update premiere details")
	}

	return p, nil
}

// explainMiss turns a conditional update that matched no row into ErrNotFound or
// ErrImmutableRecord depending on whether the row exists.
func (r *premiereRepository) explainMiss(ctx context.Context, id uuid.UUID, err error, op string) error {
	wrapped := db.WrapError(err, op)
	if !db.IsNotFound(wrapped) {
		return wrapped
	}

	var exists bool
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM premieres WHERE id = $1)`, id).Scan(&exists); err != nil {
		return db.WrapError(err, op)
	}
	if exists {
		return fmt.Errorf("%s: %w: premiere has already started", op, db.ErrImmutableRecord)
	}
	return wrapped
}

func (r *premiereRepository) ListEnded(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*models.Premiere, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + premiereColumns + ` FROM premieres WHERE ` +
		fmt.Sprintf(endedPredicate, "$2", "$1") +
		` ORDER BY scheduled_at ASC LIMIT $3`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, now, graceSeconds(grace), limit)
	if err != nil {
		return nil, db.WrapError(err, "list ended premieres")
	}

	return collectPremieres(rows, "list ended premieres")
}

func (r *premiereRepository) Purge(ctx context.Context, id uuid.UUID, now time.Time, grace time.Duration) error {
	query := `DELETE FROM premieres WHERE id = $1 AND ` + fmt.Sprintf(endedPredicate, "$3", "$2")

	conn := db.Conn(ctx, r.pool)
	tag, err := conn.Exec(ctx, query, id, now, graceSeconds(grace))
	if err != nil {
		return db.WrapError(err, "purge premiere")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM premieres WHERE id = $1)`, id).Scan(&exists); err != nil {
		return db.WrapError(err, "purge premiere")
	}
	if exists {
		return fmt.Errorf("purge premiere %s: %w: premiere is no longer ended", id, db.ErrConflict)
	}
	return fmt.Errorf("purge premiere %s: %w", id, db.ErrNotFound)
}

func (r *premiereRepository) ListDueForNotification(ctx context.Context, now time.Time, lookahead, grace time.Duration, limit int) ([]*models.Premiere, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + premiereColumns + `
		FROM premieres
		WHERE notified_at IS NULL
		  AND duration_seconds IS NOT NULL
		  AND scheduled_at <= $2
		  AND scheduled_at + make_interval(secs => duration_seconds + $3::int) > $1
		ORDER BY scheduled_at ASC
		LIMIT $4
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, now, now.Add(lookahead), graceSeconds(grace), limit)
	if err != nil {
		return nil, db.WrapError(err, "list premieres due for notification")
	}

	return collectPremieres(rows, "list premieres due for notification")
}

func (r *premiereRepository) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE premieres
		SET notified_at = $2, updated_at = $2
		WHERE id = $1 AND notified_at IS NULL
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, at)
	if err != nil {
		return false, db.WrapError(err, "mark premiere notified")
	}

	return tag.RowsAffected() == 1, nil
}
