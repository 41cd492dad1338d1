package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const eventColumns = `
	id, type, payload, user_id, property_id,
	status, attempts, last_error,
	created_at, updated_at, processed_at`

// DueQuery selects events the poller may claim.
type DueQuery struct {
	Now time.Time
	// StaleClaimAfter re-selects PROCESSING rows untouched for this long. Zero disables it.
	StaleClaimAfter time.Duration
	Limit           int
}

func scanEvent(row scanner) (*DomainEvent, error) {
	var ev DomainEvent
	err := row.Scan(
		&ev.ID,
		&ev.Type,
		&ev.Payload,
		&ev.UserID,
		&ev.PropertyID,
		&ev.Status,
		&ev.Attempts,
		&ev.LastError,
		&ev.CreatedAt,
		&ev.UpdatedAt,
		&ev.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func collectEvents(rows pgx.Rows) ([]*DomainEvent, error) {
	defer rows.Close()

	var events []*DomainEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// InsertEvent records a new PENDING event. Producers may only create PENDING rows.
func (r *Repository) InsertEvent(ctx context.Context, ev *DomainEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.Status = EventStatusPending
	ev.Attempts = 0

	query := `
		INSERT INTO domain_events (id, type, payload, user_id, property_id, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ev.ID,
		ev.Type,
		ev.Payload,
		ev.UserID,
		ev.PropertyID,
		ev.Status,
	).Scan(&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to insert domain event",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
		)
		return fmt.Errorf("insert domain event: %w", err)
	}

	return nil
}

// GetEvent retrieves a domain event by ID
func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*DomainEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM domain_events WHERE id = $1`

	ev, err := scanEvent(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domain event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query domain event: %w", err)
	}
	return ev, nil
}

// ListDueEvents returns PENDING events, FAILED events past their backoff window and,
// when enabled, stale PROCESSING claims, oldest first.
func (r *Repository) ListDueEvents(ctx context.Context, q DueQuery) ([]*DomainEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM domain_events
		WHERE status = 'PENDING'
		   OR (status = 'FAILED' AND updated_at <= $1::timestamptz - (` + backoffIntervalSQL("attempts") + `))
		   OR ($2::float8 > 0 AND status = 'PROCESSING' AND updated_at <= $1::timestamptz - ($2::float8 * interval '1 second'))
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, q.Now, q.StaleClaimAfter.Seconds(), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	return collectEvents(rows)
}

// ClaimEvent moves an event to PROCESSING only if it is still in the observed state.
// It returns false when another consumer claimed it first.
func (r *Repository) ClaimEvent(ctx context.Context, ev *DomainEvent, now time.Time) (bool, error) {
	query := `
		UPDATE domain_events
		SET status = 'PROCESSING', attempts = attempts + 1, last_error = NULL, updated_at = $4
		WHERE id = $1 AND status = $2 AND updated_at = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, ev.ID, ev.Status, ev.UpdatedAt, now)
	if err != nil {
		return false, fmt.Errorf("claim domain event: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkEventProcessed resolves a claimed event as PROCESSED.
func (r *Repository) MarkEventProcessed(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE domain_events
		SET status = 'PROCESSED', processed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`
	return r.resolveEvent(ctx, query, id, now)
}

// MarkEventFailed resolves a claimed event as FAILED so it is retried after backoff.
func (r *Repository) MarkEventFailed(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error {
	query := `
		UPDATE domain_events
		SET status = 'FAILED', last_error = $3, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`
	return r.resolveEvent(ctx, query, id, now, TruncateError(lastError))
}

// MarkEventDead resolves a claimed event as DEAD; it is never selected again.
func (r *Repository) MarkEventDead(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error {
	query := `
		UPDATE domain_events
		SET status = 'DEAD', last_error = $3, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`
	return r.resolveEvent(ctx, query, id, now, TruncateError(lastError))
}

func (r *Repository) resolveEvent(ctx context.Context, query string, id uuid.UUID, now time.Time, extra ...any) error {
	args := append([]any{id, now}, extra...)

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to resolve domain event",
			zap.Error(err),
			zap.String("event_id", id.String()),
		)
		return fmt.Errorf("resolve domain event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("domain event %s not in PROCESSING: %w", id, ErrNotFound)
	}
	return nil
}

// ListEventsByStatus pages through events in one status, newest first.
func (r *Repository) ListEventsByStatus(ctx context.Context, status EventStatus, limit, offset int) ([]*DomainEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM domain_events
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query events by status: %w", err)
	}
	return collectEvents(rows)
}

// RequeueEvent puts a FAILED or DEAD event back into PENDING for an operator-driven retry.
func (r *Repository) RequeueEvent(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE domain_events
		SET status = 'PENDING', updated_at = $2
		WHERE id = $1 AND status IN ('FAILED', 'DEAD')
	`

	result, err := r.db.Pool().Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("requeue domain event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("domain event %s not requeueable: %w", id, ErrNotFound)
	}

	r.logger.Info("domain event requeued", zap.String("event_id", id.String()))
	return nil
}
