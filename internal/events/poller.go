package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/metrics"
)

// Store is the slice of the event log the poller reads and transitions.
type Store interface {
	ListDueEvents(ctx context.Context, q db.DueQuery) ([]*db.DomainEvent, error)
	ClaimEvent(ctx context.Context, ev *db.DomainEvent, now time.Time) (bool, error)
	MarkEventProcessed(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkEventFailed(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error
	MarkEventDead(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error
}

// Dispatcher materializes the notification for one claimed event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *db.DomainEvent) (*db.Notification, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts moves an event to DEAD once a failed attempt reaches it. Zero retries forever.
	MaxAttempts int
	// ClaimTimeout makes PROCESSING events reclaimable after this long. Zero disables it.
	ClaimTimeout time.Duration
}

// Poller drains due domain events. Any number of pollers may run against one store;
// the conditional claim guarantees each attempt is handled by exactly one of them.
type Poller struct {
	store      Store
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

func New(store Store, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}

	return &Poller{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("event poller started",
		zap.Duration("interval", p.config.PollInterval),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("max_attempts", p.config.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("event poller stopping")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("event poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims and resolves up to BatchSize due events in creation order. It returns
// how many events this call claimed and resolved. Per-event failures never abort the batch.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordPollDuration("events", time.Since(start)) }()

	due, err := p.store.ListDueEvents(ctx, db.DueQuery{
		Now:             p.now(),
		StaleClaimAfter: p.config.ClaimTimeout,
		Limit:           p.config.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list due events: %w", err)
	}

	processed := 0
	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}
		if p.processEvent(ctx, ev) {
			processed++
		}
	}

	if processed > 0 {
		p.logger.Info("event batch processed",
			zap.Int("due", len(due)),
			zap.Int("processed", processed),
		)
	}
	return processed, nil
}

func (p *Poller) processEvent(ctx context.Context, ev *db.DomainEvent) bool {
	claimed, err := p.store.ClaimEvent(ctx, ev, p.now())
	if err != nil {
		p.logger.Error("failed to claim event",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
		)
		return false
	}
	if !claimed {
		metrics.RecordClaimConflict("domain_event")
		p.logger.Debug("event claimed elsewhere", zap.String("event_id", ev.ID.String()))
		return false
	}

	attempt := ev.Attempts + 1
	if ev.Status == db.EventStatusProcessing {
		p.logger.Warn("reclaimed stale event",
			zap.String("event_id", ev.ID.String()),
			zap.Time("claimed_at", ev.UpdatedAt),
		)
	}

	dispatchErr := p.dispatch(ctx, ev)
	now := p.now()

	if dispatchErr == nil {
		if err := p.store.MarkEventProcessed(ctx, ev.ID, now); err != nil {
			p.logger.Error("failed to mark event processed",
				zap.Error(err),
				zap.String("event_id", ev.ID.String()),
			)
			return false
		}
		metrics.RecordEventProcessed(string(ev.Type), "processed")
		p.logger.Debug("event processed",
			zap.String("event_id", ev.ID.String()),
			zap.String("type", string(ev.Type)),
			zap.Int("attempt", attempt),
		)
		return true
	}

	msg := dispatchErr.Error()
	if p.config.MaxAttempts > 0 && attempt >= p.config.MaxAttempts {
		if err := p.store.MarkEventDead(ctx, ev.ID, msg, now); err != nil {
			p.logger.Error("failed to mark event dead",
				zap.Error(err),
				zap.String("event_id", ev.ID.String()),
			)
			return false
		}
		metrics.RecordEventProcessed(string(ev.Type), "dead")
		p.logger.Error("event moved to dead status",
			zap.Error(dispatchErr),
			zap.String("event_id", ev.ID.String()),
			zap.String("type", string(ev.Type)),
			zap.Int("attempt", attempt),
		)
		return true
	}

	if err := p.store.MarkEventFailed(ctx, ev.ID, msg, now); err != nil {
		p.logger.Error("failed to mark event failed",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
		)
		return false
	}
	metrics.RecordEventProcessed(string(ev.Type), "failed")
	p.logger.Warn("event handling failed",
		zap.Error(dispatchErr),
		zap.String("event_id", ev.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.Int("attempt", attempt),
		zap.Duration("retry_after", db.RetryBackoff(attempt)),
	)
	return true
}

// dispatch converts a handler panic into an ordinary failure for this event.
func (p *Poller) dispatch(ctx context.Context, ev *db.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	_, err = p.dispatcher.Dispatch(ctx, ev)
	return err
}
