package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmailJob_RoundTrip(t *testing.T) {
	id := uuid.New()

	job, err := NewEmailJob(id)
	require.NoError(t, err)
	assert.Equal(t, JobSendEmail, job.Name)
	assert.Equal(t, "email:"+id.String(), job.ID)

	payload, err := job.DecodeEmail()
	require.NoError(t, err)
	assert.Equal(t, id, payload.DeliveryID)
}

func TestDecodeEmail_Rejects(t *testing.T) {
	tests := []struct {
		name string
		job  Job
	}{
		{"wrong name", Job{Name: "digest", ID: "x", Payload: []byte(`{}`)}},
		{"bad json", Job{Name: JobSendEmail, ID: "x", Payload: []byte(`{`)}},
		{"missing delivery", Job{Name: JobSendEmail, ID: "x", Payload: []byte(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.job.DecodeEmail()
			assert.Error(t, err)
		})
	}
}

func TestMemoryQueue_DuplicateIDIsNoop(t *testing.T) {
	q := NewMemory(MemoryConfig{}, zap.NewNop())
	job, err := NewEmailJob(uuid.New())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), job))
	err = q.Enqueue(context.Background(), job)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	calls := 0
	q.Drain(context.Background(), func(context.Context, Job) error {
		calls++
		return nil
	})
	assert.Equal(t, 1, calls)
}

func TestMemoryQueue_DedupWindowExpires(t *testing.T) {
	q := NewMemory(MemoryConfig{DedupWindow: time.Minute}, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	job := Job{Name: JobSendEmail, ID: "email:1"}
	require.NoError(t, q.Enqueue(context.Background(), job))

	now = now.Add(2 * time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), job))
	assert.Equal(t, 2, q.Len())
}

func TestMemoryQueue_RedeliversUntilMaxReceives(t *testing.T) {
	q := NewMemory(MemoryConfig{MaxReceives: 3}, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), Job{Name: JobSendEmail, ID: "email:1"}))

	calls := q.Drain(context.Background(), func(context.Context, Job) error {
		return errors.New("store unavailable")
	})
	assert.Equal(t, 3, calls)
	assert.Zero(t, q.Len())
}

func TestMemoryQueue_Consume(t *testing.T) {
	q := NewMemory(MemoryConfig{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	go q.Consume(ctx, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, job.ID)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, Job{Name: JobSendEmail, ID: "email:a"}))
	require.NoError(t, q.Enqueue(ctx, Job{Name: JobSendEmail, ID: "email:b"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
}

type mockGuard struct {
	mu       sync.Mutex
	keys     map[string]bool
	released []string
	err      error
}

func (g *mockGuard) Reserve(_ context.Context, id string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.keys[id] {
		return false, nil
	}
	g.keys[id] = true
	return true, nil
}

func (g *mockGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, id)
	g.released = append(g.released, id)
	return nil
}

type failingQueue struct{ err error }

func (f failingQueue) Enqueue(context.Context, Job) error { return f.err }

func TestDedupQueue_RejectsReservedID(t *testing.T) {
	inner := NewMemory(MemoryConfig{}, zap.NewNop())
	guard := &mockGuard{keys: map[string]bool{}}
	q := NewDedup(inner, guard, time.Hour, zap.NewNop())

	job := Job{Name: JobSendEmail, ID: "email:1"}
	require.NoError(t, q.Enqueue(context.Background(), job))
	assert.ErrorIs(t, q.Enqueue(context.Background(), job), ErrDuplicateJob)
	assert.Equal(t, 1, inner.Len())
}

func TestDedupQueue_ReleasesOnSendFailure(t *testing.T) {
	guard := &mockGuard{keys: map[string]bool{}}
	sendErr := errors.New("sqs throttled")
	q := NewDedup(failingQueue{err: sendErr}, guard, time.Hour, zap.NewNop())

	err := q.Enqueue(context.Background(), Job{Name: JobSendEmail, ID: "email:1"})
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, []string{"email:1"}, guard.released)
	assert.False(t, guard.keys["email:1"])
}

func TestDedupQueue_GuardError(t *testing.T) {
	guard := &mockGuard{keys: map[string]bool{}, err: errors.New("redis down")}
	inner := NewMemory(MemoryConfig{}, zap.NewNop())
	q := NewDedup(inner, guard, time.Hour, zap.NewNop())

	err := q.Enqueue(context.Background(), Job{Name: JobSendEmail, ID: "email:1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateJob)
	assert.Zero(t, inner.Len())
}

func TestMemoryQueue_ForgetAllowsResubmit(t *testing.T) {
	q := NewMemory(MemoryConfig{}, zap.NewNop())
	ctx := context.Background()
	job := Job{Name: JobSendEmail, ID: "email:1"}

	require.NoError(t, q.Enqueue(ctx, job))
	require.ErrorIs(t, q.Enqueue(ctx, job), ErrDuplicateJob)

	require.NoError(t, Forget(ctx, q, job.ID))
	require.NoError(t, q.Enqueue(ctx, job))
	assert.Equal(t, 2, q.Len())
}

func TestDedupQueue_ForgetReleasesGuardAndInner(t *testing.T) {
	inner := NewMemory(MemoryConfig{}, zap.NewNop())
	guard := &mockGuard{keys: map[string]bool{}}
	q := NewDedup(inner, guard, time.Hour, zap.NewNop())
	ctx := context.Background()
	job := Job{Name: JobSendEmail, ID: "email:1"}

	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, Forget(ctx, q, job.ID))
	assert.Equal(t, []string{"email:1"}, guard.released)

	require.NoError(t, q.Enqueue(ctx, job))
	assert.Equal(t, 2, inner.Len())
}

func TestForget_NoopForQueueWithoutMemory(t *testing.T) {
	assert.NoError(t, Forget(context.Background(), failingQueue{err: errors.New("unused")}, "email:1"))
}
