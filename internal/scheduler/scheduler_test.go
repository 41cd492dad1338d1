package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDaily_Next(t *testing.T) {
	s, err := Daily("07:30")
	require.NoError(t, err)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{
			name: "later today",
			from: time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC),
			want: time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC),
		},
		{
			name: "exactly at time rolls to tomorrow",
			from: time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC),
			want: time.Date(2026, 5, 5, 7, 30, 0, 0, time.UTC),
		},
		{
			name: "month boundary",
			from: time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC),
			want: time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Next(tt.from))
		})
	}
	assert.Equal(t, "daily at 07:30", s.String())
}

func TestDaily_Invalid(t *testing.T) {
	for _, in := range []string{"", "7", "24:00", "12:60", "ab:cd"} {
		_, err := Daily(in)
		assert.Error(t, err, in)
	}
}

func TestEvery(t *testing.T) {
	from := time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(10*time.Second), Every(10*time.Second).Next(from))
}

func TestRun_InvokesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		Run(ctx, "test", Every(5*time.Millisecond), func(context.Context) error {
			if calls.Add(1) == 3 {
				cancel()
			}
			return nil
		}, zap.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}
