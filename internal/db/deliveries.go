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

const deliveryItemColumns = `
	d.id, d.notification_id, d.channel, d.status, d.enqueued_at,
	d.sent_at, d.failure_reason, d.created_at,` + notificationColumns

// PendingEmailQuery selects pending EMAIL deliveries for one user, newest first.
type PendingEmailQuery struct {
	UserID string
	// Priority restricts to notifications tagged with this priority. Empty matches any.
	Priority Priority
	// ExcludeEnqueued skips deliveries already handed to the work queue.
	ExcludeEnqueued bool
	Limit           int
}

func scanDeliveryItem(row scanner) (*DeliveryItem, error) {
	var item DeliveryItem
	d := &item.Delivery
	dest := append([]any{
		&d.ID,
		&d.NotificationID,
		&d.Channel,
		&d.Status,
		&d.EnqueuedAt,
		&d.SentAt,
		&d.FailureReason,
		&d.CreatedAt,
	}, notificationDest(&item.Notification)...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListEnqueueCandidates returns ids of HIGH priority EMAIL deliveries that are PENDING
// and not yet enqueued, oldest first.
func (r *Repository) ListEnqueueCandidates(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT d.id
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.channel = 'EMAIL'
		  AND d.status = 'PENDING'
		  AND d.enqueued_at IS NULL
		  AND n.metadata->>'priority' = 'HIGH'
		ORDER BY d.created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query enqueue candidates: %w", err)
	}
	return collectIDs(rows)
}

// MarkEnqueued stamps enqueued_at on the given deliveries that are still PENDING and
// unstamped. It returns the ids this caller actually claimed.
func (r *Repository) MarkEnqueued(ctx context.Context, ids []uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE notification_deliveries
		SET enqueued_at = $2
		WHERE id = ANY($1::uuid[])
		  AND enqueued_at IS NULL
		  AND status = 'PENDING'
		RETURNING id
	`

	rows, err := r.db.Pool().Query(ctx, query, uuidStrings(ids), now)
	if err != nil {
		return nil, fmt.Errorf("mark deliveries enqueued: %w", err)
	}
	return collectIDs(rows)
}

// ClearEnqueued removes the enqueue stamp from a still-PENDING delivery whose job could not
// be submitted, making it a candidate again.
func (r *Repository) ClearEnqueued(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_deliveries
		SET enqueued_at = NULL
		WHERE id = $1 AND status = 'PENDING'
	`

	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("clear delivery enqueued: %w", err)
	}
	return nil
}

// GetDeliveryItem loads a delivery together with its notification.
func (r *Repository) GetDeliveryItem(ctx context.Context, id uuid.UUID) (*DeliveryItem, error) {
	query := `
		SELECT ` + deliveryItemColumns + `
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.id = $1
	`

	item, err := scanDeliveryItem(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return item, nil
}

// ListPendingEmail returns the most recent pending EMAIL deliveries for a user.
func (r *Repository) ListPendingEmail(ctx context.Context, q PendingEmailQuery) ([]*DeliveryItem, error) {
	query := `
		SELECT ` + deliveryItemColumns + `
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE n.user_id = $1
		  AND d.channel = 'EMAIL'
		  AND d.status = 'PENDING'
		  AND ($2::text = '' OR n.metadata->>'priority' = $2::text)
		  AND (NOT $3::boolean OR d.enqueued_at IS NULL)
		ORDER BY d.created_at DESC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, q.UserID, string(q.Priority), q.ExcludeEnqueued, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query pending email: %w", err)
	}
	defer rows.Close()

	var items []*DeliveryItem
	for rows.Next() {
		item, err := scanDeliveryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// ListUsersWithPendingEmail returns the distinct users owning at least one PENDING
// EMAIL delivery of any priority.
func (r *Repository) ListUsersWithPendingEmail(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT n.user_id
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.channel = 'EMAIL' AND d.status = 'PENDING'
		ORDER BY n.user_id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query users with pending email: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return users, nil
}

// MarkDeliveriesSent resolves every still-PENDING delivery in ids as SENT with one shared timestamp.
func (r *Repository) MarkDeliveriesSent(ctx context.Context, ids []uuid.UUID, sentAt time.Time) (int64, error) {
	query := `
		UPDATE notification_deliveries
		SET status = 'SENT', sent_at = $2, failure_reason = NULL
		WHERE id = ANY($1::uuid[]) AND status = 'PENDING'
	`

	result, err := r.db.Pool().Exec(ctx, query, uuidStrings(ids), sentAt)
	if err != nil {
		return 0, fmt.Errorf("mark deliveries sent: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkDeliveriesFailed resolves every still-PENDING delivery in ids as FAILED.
func (r *Repository) MarkDeliveriesFailed(ctx context.Context, ids []uuid.UUID, reason string) (int64, error) {
	query := `
		UPDATE notification_deliveries
		SET status = 'FAILED', failure_reason = $2
		WHERE id = ANY($1::uuid[]) AND status = 'PENDING'
	`

	result, err := r.db.Pool().Exec(ctx, query, uuidStrings(ids), TruncateError(reason))
	if err != nil {
		return 0, fmt.Errorf("mark deliveries failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// ResetDelivery returns a FAILED delivery to the pending pool.
func (r *Repository) ResetDelivery(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_deliveries
		SET status = 'PENDING', enqueued_at = NULL, failure_reason = NULL
		WHERE id = $1 AND status = 'FAILED'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reset delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s not FAILED: %w", id, ErrNotFound)
	}

	r.logger.Info("delivery reset to pending", zap.String("delivery_id", id.String()))
	return nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ids, nil
}
