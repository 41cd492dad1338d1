package handlers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/db"
)

// Store is the notification storage the materializer needs.
type Store interface {
	FindNotification(ctx context.Context, key db.NotificationKey) (*db.Notification, error)
	CreateNotification(ctx context.Context, n *db.Notification, channels []db.Channel) ([]*db.NotificationDelivery, error)
}

// Materializer creates at most one notification per (user, type, entity, event).
type Materializer struct {
	store  Store
	logger *zap.Logger
}

// NewMaterializer creates a new materializer
func NewMaterializer(store Store, logger *zap.Logger) *Materializer {
	return &Materializer{store: store, logger: logger}
}

// Materialize returns the existing notification for ev and spec, or creates it with one
// PENDING delivery per channel. The bool reports whether a new record was created.
func (m *Materializer) Materialize(ctx context.Context, ev *db.DomainEvent, spec *Spec) (*db.Notification, bool, error) {
	n := newNotification(ev, spec)
	key := n.Key()

	existing, err := m.store.FindNotification(ctx, key)
	if err == nil {
		m.logger.Debug("notification already materialized",
			zap.String("event_id", ev.ID.String()),
			zap.String("notification_id", existing.ID.String()),
		)
		return existing, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, fmt.Errorf("find notification: %w", err)
	}

	if _, err := m.store.CreateNotification(ctx, n, spec.Channels); err != nil {
		if !errors.Is(err, db.ErrConflict) {
			return nil, false, fmt.Errorf("create notification: %w", err)
		}
		// A concurrent materializer won the insert.
		existing, findErr := m.store.FindNotification(ctx, key)
		if findErr != nil {
			return nil, false, fmt.Errorf("find notification after conflict: %w", findErr)
		}
		return existing, false, nil
	}

	return n, true, nil
}

func newNotification(ev *db.DomainEvent, spec *Spec) *db.Notification {
	priority := spec.Priority
	if priority == "" {
		priority = db.PriorityNormal
	}

	metadata := make(map[string]any, len(spec.Metadata)+2)
	for k, v := range spec.Metadata {
		metadata[k] = v
	}
	metadata[db.MetaDomainEventID] = ev.ID.String()
	metadata[db.MetaPriority] = string(priority)

	n := &db.Notification{
		UserID:     ev.UserID,
		Type:       ev.Type,
		Title:      spec.Title,
		Message:    spec.Message,
		EntityType: spec.EntityType,
		EntityID:   spec.EntityID,
		Metadata:   metadata,
	}
	if spec.ActionURL != "" {
		url := spec.ActionURL
		n.ActionURL = &url
	}
	return n
}
