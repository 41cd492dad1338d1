package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/propline/internal/db"
)

// FindNotification looks up the notification for an idempotency key.
func (s *Store) FindNotification(_ context.Context, key db.NotificationKey) (*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	n := copyNotification(s.notifications[id].n)
	return &n, nil
}

// CreateNotification inserts a notification with one PENDING delivery per channel.
func (s *Store) CreateNotification(_ context.Context, n *db.Notification, channels []db.Channel) ([]*db.NotificationDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.Key()
	if _, exists := s.byKey[key]; exists {
		return nil, db.ErrConflict
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	now := s.now()
	n.CreatedAt = now
	s.notifications[n.ID] = &notificationRow{n: copyNotification(*n)}
	s.byKey[key] = n.ID

	out := make([]*db.NotificationDelivery, 0, len(channels))
	for _, ch := range channels {
		d := db.NotificationDelivery{
			ID:             uuid.New(),
			NotificationID: n.ID,
			Channel:        ch,
			Status:         db.DeliveryStatusPending,
			CreatedAt:      now,
		}
		s.deliveries[d.ID] = &deliveryRow{d: d, seq: s.nextSeq()}
		cp := d
		out = append(out, &cp)
	}
	return out, nil
}

// Notifications returns every stored notification for a user.
func (s *Store) Notifications(userID string) []db.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.Notification
	for _, row := range s.notifications {
		if row.n.UserID == userID {
			out = append(out, copyNotification(row.n))
		}
	}
	return out
}

// DeliveriesFor returns every delivery of a notification.
func (s *Store) DeliveriesFor(notificationID uuid.UUID) []db.NotificationDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*deliveryRow
	for _, row := range s.deliveries {
		if row.d.NotificationID == notificationID {
			rows = append(rows, row)
		}
	}
	sortDeliveriesByCreated(rows, false)

	out := make([]db.NotificationDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.d)
	}
	return out
}

func (s *Store) itemFor(row *deliveryRow) *db.DeliveryItem {
	return &db.DeliveryItem{
		Delivery:     row.d,
		Notification: copyNotification(s.notifications[row.d.NotificationID].n),
	}
}

func (s *Store) pendingEmail(row *deliveryRow) bool {
	return row.d.Channel == db.ChannelEmail && row.d.Status == db.DeliveryStatusPending
}

// ListEnqueueCandidates returns HIGH priority pending EMAIL deliveries not yet enqueued, oldest first.
func (s *Store) ListEnqueueCandidates(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*deliveryRow
	for _, row := range s.deliveries {
		if !s.pendingEmail(row) || row.d.EnqueuedAt != nil {
			continue
		}
		parent := s.notifications[row.d.NotificationID].n
		if parent.Priority() != db.PriorityHigh {
			continue
		}
		rows = append(rows, row)
	}
	sortDeliveriesByCreated(rows, false)

	rows = rows[:limitOf(len(rows), limit)]
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.d.ID)
	}
	return ids, nil
}

// MarkEnqueued stamps enqueued_at on deliveries still PENDING and unstamped.
func (s *Store) MarkEnqueued(_ context.Context, ids []uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []uuid.UUID
	for _, id := range ids {
		row, ok := s.deliveries[id]
		if !ok || row.d.EnqueuedAt != nil || row.d.Status != db.DeliveryStatusPending {
			continue
		}
		ts := now
		row.d.EnqueuedAt = &ts
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// ClearEnqueued removes the enqueue stamp from a still-PENDING delivery.
func (s *Store) ClearEnqueued(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.deliveries[id]; ok && row.d.Status == db.DeliveryStatusPending {
		row.d.EnqueuedAt = nil
	}
	return nil
}

// GetDeliveryItem loads a delivery together with its notification.
func (s *Store) GetDeliveryItem(_ context.Context, id uuid.UUID) (*db.DeliveryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, db.ErrNotFound)
	}
	return s.itemFor(row), nil
}

// ListPendingEmail returns the most recent pending EMAIL deliveries for a user.
func (s *Store) ListPendingEmail(_ context.Context, q db.PendingEmailQuery) ([]*db.DeliveryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*deliveryRow
	for _, row := range s.deliveries {
		if !s.pendingEmail(row) {
			continue
		}
		if q.ExcludeEnqueued && row.d.EnqueuedAt != nil {
			continue
		}
		parent := s.notifications[row.d.NotificationID].n
		if parent.UserID != q.UserID {
			continue
		}
		if q.Priority != "" && parent.Priority() != q.Priority {
			continue
		}
		rows = append(rows, row)
	}
	sortDeliveriesByCreated(rows, true)

	rows = rows[:limitOf(len(rows), q.Limit)]
	items := make([]*db.DeliveryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.itemFor(row))
	}
	return items, nil
}

// ListUsersWithPendingEmail returns distinct users with at least one pending EMAIL delivery.
func (s *Store) ListUsersWithPendingEmail(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var users []string
	for _, row := range s.deliveries {
		if !s.pendingEmail(row) {
			continue
		}
		uid := s.notifications[row.d.NotificationID].n.UserID
		if !seen[uid] {
			seen[uid] = true
			users = append(users, uid)
		}
	}
	return users, nil
}

// MarkDeliveriesSent resolves still-PENDING deliveries as SENT.
func (s *Store) MarkDeliveriesSent(_ context.Context, ids []uuid.UUID, sentAt time.Time) (int64, error) {
	return s.resolveDeliveries(ids, func(d *db.NotificationDelivery) {
		ts := sentAt
		d.Status = db.DeliveryStatusSent
		d.SentAt = &ts
		d.FailureReason = nil
	}), nil
}

// MarkDeliveriesFailed resolves still-PENDING deliveries as FAILED.
func (s *Store) MarkDeliveriesFailed(_ context.Context, ids []uuid.UUID, reason string) (int64, error) {
	msg := db.TruncateError(reason)
	return s.resolveDeliveries(ids, func(d *db.NotificationDelivery) {
		d.Status = db.DeliveryStatusFailed
		d.FailureReason = &msg
	}), nil
}

func (s *Store) resolveDeliveries(ids []uuid.UUID, apply func(*db.NotificationDelivery)) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		row, ok := s.deliveries[id]
		if !ok || row.d.Status != db.DeliveryStatusPending {
			continue
		}
		apply(&row.d)
		n++
	}
	return n
}

// ResetDelivery returns a FAILED delivery to the pending pool.
func (s *Store) ResetDelivery(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.deliveries[id]
	if !ok || row.d.Status != db.DeliveryStatusFailed {
		return fmt.Errorf("delivery %s not FAILED: %w", id, db.ErrNotFound)
	}
	row.d.Status = db.DeliveryStatusPending
	row.d.EnqueuedAt = nil
	row.d.FailureReason = nil
	return nil
}
