// Package enqueue promotes HIGH priority email deliveries into the work queue.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/metrics"
	"github.com/lalithlochan/propline/internal/queue"
)

type Store interface {
	ListEnqueueCandidates(ctx context.Context, limit int) ([]uuid.UUID, error)
	MarkEnqueued(ctx context.Context, ids []uuid.UUID, now time.Time) ([]uuid.UUID, error)
	ClearEnqueued(ctx context.Context, id uuid.UUID) error
	ResetDelivery(ctx context.Context, id uuid.UUID) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

type Poller struct {
	store  Store
	queue  queue.Queue
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, q queue.Queue, cfg Config, logger *zap.Logger) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}

	return &Poller{
		store:  store,
		queue:  q,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// JobID is the deterministic work-queue ID for a delivery.
func JobID(deliveryID uuid.UUID) string {
	return queue.EmailJobID(deliveryID)
}

func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("enqueue poller started",
		zap.Duration("interval", p.config.PollInterval),
		zap.Int("batch_size", p.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("enqueue poller stopping")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("enqueue poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce stamps up to BatchSize candidates and submits one job per delivery this call
// stamped. It returns the number of jobs accepted by the queue.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordPollDuration("enqueue", time.Since(start)) }()

	candidates, err := p.store.ListEnqueueCandidates(ctx, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list enqueue candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	stamp := p.now()
	claimed, err := p.store.MarkEnqueued(ctx, candidates, stamp)
	if err != nil {
		return 0, fmt.Errorf("mark enqueued: %w", err)
	}
	if lost := len(candidates) - len(claimed); lost > 0 {
		metrics.RecordClaimConflict("delivery_enqueue")
		p.logger.Debug("deliveries stamped by another replica", zap.Int("count", lost))
	}

	enqueued := 0
	for _, id := range claimed {
		if p.submit(ctx, id, stamp) {
			enqueued++
		}
	}

	metrics.RecordDeliveriesEnqueued(enqueued)
	if enqueued > 0 {
		p.logger.Info("deliveries enqueued", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

func (p *Poller) submit(ctx context.Context, id uuid.UUID, stamp time.Time) bool {
	job, err := queue.NewEmailJob(id)
	if err != nil {
		p.logger.Error("failed to build job", zap.Error(err), zap.String("delivery_id", id.String()))
		return false
	}
	job.Revision = stamp.UnixNano()

	err = p.queue.Enqueue(ctx, job)
	switch {
	case err == nil:
		return true
	case errors.Is(err, queue.ErrDuplicateJob):
		metrics.RecordDuplicateJob()
		p.logger.Debug("job already enqueued", zap.String("job_id", job.ID))
		return false
	default:
		p.logger.Error("failed to enqueue job",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
		if clearErr := p.store.ClearEnqueued(ctx, id); clearErr != nil {
			p.logger.Error("failed to clear enqueue stamp",
				zap.Error(clearErr),
				zap.String("delivery_id", id.String()),
			)
		}
		return false
	}
}

// ResetDelivery returns a FAILED delivery to PENDING and forgets its job ID, so the next
// poll submits it again instead of treating it as already queued.
func (p *Poller) ResetDelivery(ctx context.Context, id uuid.UUID) error {
	jobID := JobID(id)
	if err := queue.Forget(ctx, p.queue, jobID); err != nil {
		return fmt.Errorf("forget job %s: %w", jobID, err)
	}
	return p.store.ResetDelivery(ctx, id)
}
