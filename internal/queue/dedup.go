package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Guard reserves job IDs across processes, such as a Redis SETNX key.
type Guard interface {
	Reserve(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// DedupQueue rejects job IDs another process already submitted before handing the job to
// a backend that cannot deduplicate on its own (a standard SQS queue, for instance).
type DedupQueue struct {
	next   Queue
	guard  Guard
	ttl    time.Duration
	logger *zap.Logger
}

func NewDedup(next Queue, guard Guard, ttl time.Duration, logger *zap.Logger) *DedupQueue {
	if ttl == 0 {
		ttl = defaultDedupWindow
	}
	return &DedupQueue{next: next, guard: guard, ttl: ttl, logger: logger}
}

func (q *DedupQueue) Enqueue(ctx context.Context, job Job) error {
	reserved, err := q.guard.Reserve(ctx, job.ID, q.ttl)
	if err != nil {
		return fmt.Errorf("reserve job %s: %w", job.ID, err)
	}
	if !reserved {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicateJob)
	}

	if err := q.next.Enqueue(ctx, job); err != nil {
		// Let a later attempt resubmit the job.
		if relErr := q.guard.Release(ctx, job.ID); relErr != nil {
			q.logger.Warn("failed to release job reservation",
				zap.Error(relErr),
				zap.String("job_id", job.ID),
			)
		}
		return err
	}
	return nil
}

// Forget releases the cross-process reservation and forgets the ID in the wrapped queue.
func (q *DedupQueue) Forget(ctx context.Context, jobID string) error {
	if err := q.guard.Release(ctx, jobID); err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	return Forget(ctx, q.next, jobID)
}
