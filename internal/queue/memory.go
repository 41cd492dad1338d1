package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBuffer      = 1024
	defaultDedupWindow = 24 * time.Hour
	defaultMaxReceives = 3
)

type MemoryConfig struct {
	Buffer int
	// DedupWindow is how long an accepted job ID is remembered.
	DedupWindow time.Duration
	// MaxReceives bounds redelivery of a failing job.
	MaxReceives int
}

type delivery struct {
	job      Job
	receives int
}

// MemoryQueue is an in-process queue with ID deduplication and bounded redelivery.
type MemoryQueue struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	jobs   chan delivery
	config MemoryConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewMemory(cfg MemoryConfig, logger *zap.Logger) *MemoryQueue {
	if cfg.Buffer == 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.MaxReceives == 0 {
		cfg.MaxReceives = defaultMaxReceives
	}

	return &MemoryQueue{
		seen:   make(map[string]time.Time),
		jobs:   make(chan delivery, cfg.Buffer),
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue accepts job unless its ID was accepted within the dedup window.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	now := q.now()
	q.prune(now)
	if _, dup := q.seen[job.ID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicateJob)
	}
	q.seen[job.ID] = now
	q.mu.Unlock()

	select {
	case q.jobs <- delivery{job: job}:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.seen, job.ID)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Forget drops jobID from the dedup window. A copy already buffered still runs.
func (q *MemoryQueue) Forget(_ context.Context, jobID string) error {
	q.mu.Lock()
	delete(q.seen, jobID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) prune(now time.Time) {
	for id, at := range q.seen {
		if now.Sub(at) >= q.config.DedupWindow {
			delete(q.seen, id)
		}
	}
}

// Len reports jobs waiting to be consumed.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Consume runs handler for each job until ctx is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("memory queue consumer stopping")
			return
		case d := <-q.jobs:
			q.run(ctx, d, handler)
		}
	}
}

// Drain runs handler for every job currently buffered, including redeliveries it causes,
// and returns how many handler calls were made.
func (q *MemoryQueue) Drain(ctx context.Context, handler Handler) int {
	calls := 0
	for {
		select {
		case d := <-q.jobs:
			calls++
			q.run(ctx, d, handler)
		default:
			return calls
		}
	}
}

func (q *MemoryQueue) run(ctx context.Context, d delivery, handler Handler) {
	d.receives++
	err := handler(ctx, d.job)
	if err == nil {
		return
	}

	if d.receives >= q.config.MaxReceives {
		q.logger.Error("job failed, giving up",
			zap.Error(err),
			zap.String("job_id", d.job.ID),
			zap.Int("receives", d.receives),
		)
		return
	}

	q.logger.Warn("job failed, redelivering",
		zap.Error(err),
		zap.String("job_id", d.job.ID),
		zap.Int("receives", d.receives),
	)
	select {
	case q.jobs <- d:
	default:
		q.logger.Error("queue full, dropping redelivery", zap.String("job_id", d.job.ID))
	}
}
