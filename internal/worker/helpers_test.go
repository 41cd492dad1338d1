package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/memstore"
)

var now = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type sentEmail struct {
	to, subject, html string
}

// recordingTransport stores every message it is asked to send.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
	// failFor makes sends to one address fail.
	failFor string
}

func (r *recordingTransport) Send(_ context.Context, to, subject, html string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.failFor != "" && to == r.failFor {
		return fmt.Errorf("mailbox %s unavailable", to)
	}
	r.sent = append(r.sent, sentEmail{to: to, subject: subject, html: html})
	return nil
}

func (r *recordingTransport) messages() []sentEmail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentEmail(nil), r.sent...)
}

func newStore() *memstore.Store {
	s := memstore.New(func() time.Time { return now })
	s.SetEmail("u1", "u1@example.com")
	s.SetEmail("u2", "u2@example.com")
	return s
}

// seedEmail creates a notification with IN_APP and EMAIL deliveries and returns the
// EMAIL delivery id.
func seedEmail(t *testing.T, s *memstore.Store, userID, title string, p db.Priority) uuid.UUID {
	t.Helper()
	n := &db.Notification{
		UserID:     userID,
		Type:       db.EventClaimStatusChanged,
		Title:      title,
		Message:    title + " message",
		EntityType: "CLAIM",
		EntityID:   uuid.NewString(),
		Metadata: map[string]any{
			db.MetaDomainEventID: uuid.NewString(),
			db.MetaPriority:      string(p),
		},
	}
	deliveries, err := s.CreateNotification(context.Background(), n, []db.Channel{db.ChannelInApp, db.ChannelEmail})
	require.NoError(t, err)
	for _, d := range deliveries {
		if d.Channel == db.ChannelEmail {
			return d.ID
		}
	}
	t.Fatal("no email delivery created")
	return uuid.Nil
}

func deliveryOf(t *testing.T, s *memstore.Store, id uuid.UUID) db.NotificationDelivery {
	t.Helper()
	item, err := s.GetDeliveryItem(context.Background(), id)
	require.NoError(t, err)
	return item.Delivery
}
