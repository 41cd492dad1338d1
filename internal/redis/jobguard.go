package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// JobGuard reserves work-queue job IDs so replicas enqueueing the same delivery submit
// it once.
type JobGuard struct {
	client *Client
	logger *zap.Logger
}

func NewJobGuard(client *Client, logger *zap.Logger) *JobGuard {
	return &JobGuard{client: client, logger: logger}
}

func (g *JobGuard) key(jobID string) string {
	return g.client.key("job", jobID)
}

// Reserve sets the job key if absent. It returns false when another caller holds it.
func (g *JobGuard) Reserve(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, g.key(jobID), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		g.logger.Debug("job already reserved", zap.String("job_id", jobID))
	}
	return set, nil
}

// Release removes the job key.
func (g *JobGuard) Release(ctx context.Context, jobID string) error {
	if err := g.client.rdb.Del(ctx, g.key(jobID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
