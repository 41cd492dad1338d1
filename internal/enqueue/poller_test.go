package enqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/memstore"
	"github.com/lalithlochan/propline/internal/queue"
)

var now = time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

func createNotification(t *testing.T, s *memstore.Store, entityID string, p db.Priority) []*db.NotificationDelivery {
	t.Helper()
	n := &db.Notification{
		UserID:     "u1",
		Type:       db.EventClaimSubmitted,
		Title:      "Claim submitted",
		EntityType: "CLAIM",
		EntityID:   entityID,
		Metadata: map[string]any{
			db.MetaDomainEventID: uuid.NewString(),
			db.MetaPriority:      string(p),
		},
	}
	deliveries, err := s.CreateNotification(context.Background(), n, []db.Channel{db.ChannelInApp, db.ChannelEmail})
	require.NoError(t, err)
	return deliveries
}

func emailOf(deliveries []*db.NotificationDelivery) uuid.UUID {
	for _, d := range deliveries {
		if d.Channel == db.ChannelEmail {
			return d.ID
		}
	}
	return uuid.Nil
}

func newPoller(store Store, q queue.Queue, cfg Config) *Poller {
	p := New(store, q, cfg, zap.NewNop())
	p.now = func() time.Time { return now }
	return p
}

func TestJobID(t *testing.T) {
	id := uuid.MustParse("8d4c2a64-0f0e-4a4b-9d8e-2b6a1f6b9a11")
	assert.Equal(t, "email:8d4c2a64-0f0e-4a4b-9d8e-2b6a1f6b9a11", JobID(id))
}

func TestRunOnce_EnqueuesHighPriorityEmailOnly(t *testing.T) {
	store := memstore.New(func() time.Time { return now })
	high := createNotification(t, store, "c1", db.PriorityHigh)
	createNotification(t, store, "c2", db.PriorityNormal)

	q := queue.NewMemory(queue.MemoryConfig{}, zap.NewNop())
	p := newPoller(store, q, Config{})

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var jobs []queue.Job
	q.Drain(context.Background(), func(_ context.Context, job queue.Job) error {
		jobs = append(jobs, job)
		return nil
	})
	require.Len(t, jobs, 1)
	assert.Equal(t, JobID(emailOf(high)), jobs[0].ID)

	item, err := store.GetDeliveryItem(context.Background(), emailOf(high))
	require.NoError(t, err)
	require.NotNil(t, item.Delivery.EnqueuedAt)
	assert.Equal(t, now, *item.Delivery.EnqueuedAt)
	assert.Equal(t, db.DeliveryStatusPending, item.Delivery.Status)

	n, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "stamped deliveries are not selected again")
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	store := memstore.New(func() time.Time { return now })
	for _, id := range []string{"c1", "c2", "c3"} {
		createNotification(t, store, id, db.PriorityHigh)
	}

	q := queue.NewMemory(queue.MemoryConfig{}, zap.NewNop())
	p := newPoller(store, q, Config{BatchSize: 2})

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// uncommittedStore behaves as if the enqueue stamp was never persisted, the way a re-run
// before the stamp commits would see the rows.
type uncommittedStore struct {
	*memstore.Store
}

func (s uncommittedStore) MarkEnqueued(_ context.Context, ids []uuid.UUID, _ time.Time) ([]uuid.UUID, error) {
	return ids, nil
}

func TestRunOnce_RepeatedEnqueueExecutesOnce(t *testing.T) {
	store := memstore.New(func() time.Time { return now })
	createNotification(t, store, "c1", db.PriorityHigh)

	q := queue.NewMemory(queue.MemoryConfig{}, zap.NewNop())
	p := newPoller(uncommittedStore{store}, q, Config{})

	first, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	second, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Zero(t, second)

	executions := q.Drain(context.Background(), func(context.Context, queue.Job) error { return nil })
	assert.Equal(t, 1, executions)
}

type failingQueue struct {
	err   error
	calls int
}

func (f *failingQueue) Enqueue(context.Context, queue.Job) error {
	f.calls++
	return f.err
}

func TestRunOnce_QueueFailureClearsStamp(t *testing.T) {
	store := memstore.New(func() time.Time { return now })
	deliveries := createNotification(t, store, "c1", db.PriorityHigh)

	q := &failingQueue{err: errors.New("sqs unavailable")}
	p := newPoller(store, q, Config{})

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	item, err := store.GetDeliveryItem(context.Background(), emailOf(deliveries))
	require.NoError(t, err)
	assert.Nil(t, item.Delivery.EnqueuedAt)

	q.err = nil
	n, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.calls)
}

type brokenStore struct{ Store }

func (brokenStore) ListEnqueueCandidates(context.Context, int) ([]uuid.UUID, error) {
	return nil, errors.New("connection refused")
}

func TestRunOnce_StoreError(t *testing.T) {
	p := newPoller(brokenStore{}, queue.NewMemory(queue.MemoryConfig{}, zap.NewNop()), Config{})

	_, err := p.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnce_SetsRevisionFromStamp(t *testing.T) {
	store := memstore.New(func() time.Time { return now })
	createNotification(t, store, "c1", db.PriorityHigh)

	q := queue.NewMemory(queue.MemoryConfig{}, zap.NewNop())
	p := newPoller(store, q, Config{})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	q.Drain(context.Background(), func(_ context.Context, job queue.Job) error {
		assert.Equal(t, now.UnixNano(), job.Revision)
		return nil
	})
}

func TestResetDelivery_ResubmitsJob(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(func() time.Time { return now })
	id := emailOf(createNotification(t, store, "c1", db.PriorityHigh))

	q := queue.NewMemory(queue.MemoryConfig{}, zap.NewNop())
	p := newPoller(store, q, Config{})

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	q.Drain(ctx, func(context.Context, queue.Job) error { return nil })

	_, err = store.MarkDeliveriesFailed(ctx, []uuid.UUID{id}, "smtp 554")
	require.NoError(t, err)
	require.NoError(t, p.ResetDelivery(ctx, id))

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reset delivery is submitted again")

	var jobs []queue.Job
	q.Drain(ctx, func(_ context.Context, job queue.Job) error {
		jobs = append(jobs, job)
		return nil
	})
	require.Len(t, jobs, 1)
	assert.Equal(t, JobID(id), jobs[0].ID)
}

func TestResetDelivery_NotFailed(t *testing.T) {
	store := memstore.New(func() time.Time { return now })
	id := emailOf(createNotification(t, store, "c1", db.PriorityHigh))
	p := newPoller(store, queue.NewMemory(queue.MemoryConfig{}, zap.NewNop()), Config{})

	assert.ErrorIs(t, p.ResetDelivery(context.Background(), id), db.ErrNotFound)
}
