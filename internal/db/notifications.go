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

const notificationColumns = `
	n.id, n.user_id, n.type, n.title, n.message, n.action_url,
	n.entity_type, n.entity_id, n.metadata, n.created_at`

func notificationDest(n *Notification) []any {
	return []any{
		&n.ID,
		&n.UserID,
		&n.Type,
		&n.Title,
		&n.Message,
		&n.ActionURL,
		&n.EntityType,
		&n.EntityID,
		&n.Metadata,
		&n.CreatedAt,
	}
}

// FindNotification looks up the notification for an idempotency key.
func (r *Repository) FindNotification(ctx context.Context, key NotificationKey) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications n
		WHERE n.user_id = $1 AND n.type = $2 AND n.entity_type = $3
		  AND n.entity_id = $4 AND n.domain_event_id = $5
	`

	var n Notification
	err := r.db.Pool().QueryRow(ctx, query,
		key.UserID, key.Type, key.EntityType, key.EntityID, key.DomainEventID,
	).Scan(notificationDest(&n)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return &n, nil
}

// CreateNotification inserts a notification and one PENDING delivery per channel in one
// transaction. It returns ErrConflict if a notification with the same key already exists.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification, channels []Channel) ([]*NotificationDelivery, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertNotification := `
		INSERT INTO notifications (
			id, user_id, type, title, message, action_url,
			entity_type, entity_id, metadata, domain_event_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, type, entity_type, entity_id, domain_event_id) DO NOTHING
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertNotification,
		n.ID,
		n.UserID,
		n.Type,
		n.Title,
		n.Message,
		n.ActionURL,
		n.EntityType,
		n.EntityID,
		n.Metadata,
		n.DomainEventID(),
	).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	insertDelivery := `
		INSERT INTO notification_deliveries (id, notification_id, channel, status)
		VALUES ($1, $2, $3, 'PENDING')
		RETURNING created_at
	`

	deliveries := make([]*NotificationDelivery, 0, len(channels))
	for _, ch := range channels {
		d := &NotificationDelivery{
			ID:             uuid.New(),
			NotificationID: n.ID,
			Channel:        ch,
			Status:         DeliveryStatusPending,
		}
		if err := tx.QueryRow(ctx, insertDelivery, d.ID, d.NotificationID, d.Channel).Scan(&d.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert delivery %s: %w", ch, err)
		}
		deliveries = append(deliveries, d)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
		zap.Int("deliveries", len(deliveries)),
	)

	return deliveries, nil
}

// EmailFor resolves a user's email address from the platform users table.
func (r *Repository) EmailFor(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.db.Pool().QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}
	return email, nil
}

// AcquireLease takes the named lease for holder until now+ttl. It succeeds only if the
// lease is free or expired, so overlapping runs of the same job cannot both proceed.
func (r *Repository) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO job_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at <= $4
	`

	result, err := r.db.Pool().Exec(ctx, query, name, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseLease frees the lease if holder still owns it.
func (r *Repository) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM job_leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
