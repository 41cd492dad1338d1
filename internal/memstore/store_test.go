package memstore_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/memstore"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore() *memstore.Store {
	return memstore.New(func() time.Time { return base })
}

func insertEvent(t *testing.T, s *memstore.Store) *db.DomainEvent {
	t.Helper()
	ev := &db.DomainEvent{
		Type:    db.EventClaimSubmitted,
		Payload: json.RawMessage(`{"claimId":"c1"}`),
		UserID:  "u1",
	}
	require.NoError(t, s.InsertEvent(context.Background(), ev))
	return ev
}

func TestClaimEvent_ExactlyOneWinner(t *testing.T) {
	s := newStore()
	ev := insertEvent(t, s)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimEvent(context.Background(), &db.DomainEvent{
				ID:        ev.ID,
				Status:    db.EventStatusPending,
				UpdatedAt: ev.UpdatedAt,
			}, base.Add(time.Second))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, db.EventStatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestListDueEvents_RespectsBackoff(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	ev := insertEvent(t, s)

	for i := 0; i < 3; i++ {
		cur, err := s.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		ok, err := s.ClaimEvent(ctx, cur, base)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.MarkEventFailed(ctx, ev.ID, "boom", base))
	}

	due, err := s.ListDueEvents(ctx, db.DueQuery{Now: base.Add(4 * time.Minute), Limit: 25})
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueEvents(ctx, db.DueQuery{Now: base.Add(5 * time.Minute), Limit: 25})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 3, due[0].Attempts)
	require.NotNil(t, due[0].LastError)
	assert.Equal(t, "boom", *due[0].LastError)
}

func TestListDueEvents_StaleProcessing(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	ev := insertEvent(t, s)

	cur, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	ok, err := s.ClaimEvent(ctx, cur, base)
	require.NoError(t, err)
	require.True(t, ok)

	due, err := s.ListDueEvents(ctx, db.DueQuery{Now: base.Add(time.Hour), Limit: 25})
	require.NoError(t, err)
	assert.Empty(t, due, "stuck claims are not reselected without a timeout")

	due, err = s.ListDueEvents(ctx, db.DueQuery{Now: base.Add(time.Hour), StaleClaimAfter: 10 * time.Minute, Limit: 25})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, db.EventStatusProcessing, due[0].Status)
}

func TestResolveRequiresProcessing(t *testing.T) {
	s := newStore()
	ev := insertEvent(t, s)

	err := s.MarkEventProcessed(context.Background(), ev.ID, base)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRequeueEvent(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	ev := insertEvent(t, s)

	assert.ErrorIs(t, s.RequeueEvent(ctx, ev.ID, base), db.ErrNotFound)

	cur, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	_, err = s.ClaimEvent(ctx, cur, base)
	require.NoError(t, err)
	require.NoError(t, s.MarkEventDead(ctx, ev.ID, "bad payload", base))

	dead, err := s.ListEventsByStatus(ctx, db.EventStatusDead, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, s.RequeueEvent(ctx, ev.ID, base.Add(time.Minute)))
	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, db.EventStatusPending, got.Status)
}

func newNotification(userID, entityID, eventID string, p db.Priority) *db.Notification {
	return &db.Notification{
		UserID:     userID,
		Type:       db.EventClaimSubmitted,
		Title:      "Claim submitted",
		Message:    "msg",
		EntityType: "CLAIM",
		EntityID:   entityID,
		Metadata: map[string]any{
			db.MetaDomainEventID: eventID,
			db.MetaPriority:      string(p),
		},
	}
}

func TestCreateNotification_ConflictOnKey(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	first := newNotification("u1", "c1", "e1", db.PriorityHigh)
	deliveries, err := s.CreateNotification(ctx, first, []db.Channel{db.ChannelInApp, db.ChannelEmail})
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	_, err = s.CreateNotification(ctx, newNotification("u1", "c1", "e1", db.PriorityHigh), []db.Channel{db.ChannelEmail})
	assert.ErrorIs(t, err, db.ErrConflict)

	found, err := s.FindNotification(ctx, first.Key())
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.Len(t, s.DeliveriesFor(first.ID), 2)
}

func TestMarkEnqueued_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	n := newNotification("u1", "c1", "e1", db.PriorityHigh)
	_, err := s.CreateNotification(ctx, n, []db.Channel{db.ChannelInApp, db.ChannelEmail})
	require.NoError(t, err)

	ids, err := s.ListEnqueueCandidates(ctx, 25)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	claimed, err := s.MarkEnqueued(ctx, ids, base)
	require.NoError(t, err)
	assert.Equal(t, ids, claimed)

	claimed, err = s.MarkEnqueued(ctx, ids, base)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	ids, err = s.ListEnqueueCandidates(ctx, 25)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResolveDeliveries_PendingOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	n := newNotification("u1", "c1", "e1", db.PriorityNormal)
	deliveries, err := s.CreateNotification(ctx, n, []db.Channel{db.ChannelEmail})
	require.NoError(t, err)
	id := deliveries[0].ID

	sent, err := s.MarkDeliveriesSent(ctx, []uuid.UUID{id}, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sent)

	failed, err := s.MarkDeliveriesFailed(ctx, []uuid.UUID{id}, "late")
	require.NoError(t, err)
	assert.Equal(t, int64(0), failed)

	assert.ErrorIs(t, s.ResetDelivery(ctx, id), db.ErrNotFound)
}

func TestResetDelivery(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	n := newNotification("u1", "c1", "e1", db.PriorityHigh)
	deliveries, err := s.CreateNotification(ctx, n, []db.Channel{db.ChannelEmail})
	require.NoError(t, err)
	id := deliveries[0].ID

	_, err = s.MarkEnqueued(ctx, []uuid.UUID{id}, base)
	require.NoError(t, err)
	_, err = s.MarkDeliveriesFailed(ctx, []uuid.UUID{id}, "smtp down")
	require.NoError(t, err)

	require.NoError(t, s.ResetDelivery(ctx, id))

	item, err := s.GetDeliveryItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusPending, item.Delivery.Status)
	assert.Nil(t, item.Delivery.EnqueuedAt)
	assert.Nil(t, item.Delivery.FailureReason)
}

func TestListPendingEmail_Filters(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	high := newNotification("u1", "c1", "e1", db.PriorityHigh)
	hd, err := s.CreateNotification(ctx, high, []db.Channel{db.ChannelEmail})
	require.NoError(t, err)
	_, err = s.CreateNotification(ctx, newNotification("u1", "c2", "e2", db.PriorityNormal), []db.Channel{db.ChannelEmail})
	require.NoError(t, err)
	_, err = s.CreateNotification(ctx, newNotification("u2", "c3", "e3", db.PriorityNormal), []db.Channel{db.ChannelEmail})
	require.NoError(t, err)

	items, err := s.ListPendingEmail(ctx, db.PendingEmailQuery{UserID: "u1", Limit: 20})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c2", items[0].Notification.EntityID, "newest first")

	items, err = s.ListPendingEmail(ctx, db.PendingEmailQuery{UserID: "u1", Priority: db.PriorityHigh, Limit: 20})
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = s.MarkEnqueued(ctx, []uuid.UUID{hd[0].ID}, base)
	require.NoError(t, err)
	items, err = s.ListPendingEmail(ctx, db.PendingEmailQuery{UserID: "u1", ExcludeEnqueued: true, Limit: 20})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c2", items[0].Notification.EntityID)

	users, err := s.ListUsersWithPendingEmail(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	ok, err := s.AcquireLease(ctx, "digest", "a", base, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "digest", "b", base.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AcquireLease(ctx, "digest", "b", base.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, s.ReleaseLease(ctx, "digest", "a"))
	ok, err = s.AcquireLease(ctx, "digest", "c", base.Add(time.Hour+time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "release by a stale holder is a no-op")
}
