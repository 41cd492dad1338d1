package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/mail"
	"github.com/lalithlochan/propline/internal/queue"
)

// MaxBatch bounds how many urgent notifications are folded into one immediate email.
const MaxBatch = 10

type ImmediateStore interface {
	DeliveryStore
	GetDeliveryItem(ctx context.Context, id uuid.UUID) (*db.DeliveryItem, error)
	ListPendingEmail(ctx context.Context, q db.PendingEmailQuery) ([]*db.DeliveryItem, error)
}

// ImmediateSender executes one send job per seed delivery.
type ImmediateSender struct {
	store ImmediateStore
	batcher
}

func NewImmediateSender(store ImmediateStore, transport mail.Transport, logger *zap.Logger) *ImmediateSender {
	return &ImmediateSender{
		store: store,
		batcher: batcher{
			store:     store,
			transport: transport,
			logger:    logger,
			now:       time.Now,
		},
	}
}

// HandleJob adapts Handle to the work queue. Jobs that can never succeed are logged and
// acknowledged.
func (s *ImmediateSender) HandleJob(ctx context.Context, job queue.Job) error {
	payload, err := job.DecodeEmail()
	if err != nil {
		s.logger.Error("dropping malformed job", zap.Error(err), zap.String("job_id", job.ID))
		return nil
	}
	return s.Handle(ctx, payload.DeliveryID)
}

// Handle sends the seed delivery together with up to MaxBatch-1 other pending HIGH
// priority email deliveries of the same user. A returned error leaves the seed PENDING
// so the job can be redelivered.
func (s *ImmediateSender) Handle(ctx context.Context, deliveryID uuid.UUID) error {
	log := s.logger.With(zap.String("delivery_id", deliveryID.String()))

	seed, err := s.store.GetDeliveryItem(ctx, deliveryID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("seed delivery not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load seed delivery: %w", err)
	}

	if seed.Delivery.Status != db.DeliveryStatusPending {
		log.Debug("seed delivery already resolved", zap.String("status", string(seed.Delivery.Status)))
		return nil
	}
	if seed.Notification.Priority() != db.PriorityHigh {
		log.Warn("seed delivery is not high priority, skipping")
		return nil
	}

	userID := seed.Notification.UserID
	batch, err := s.store.ListPendingEmail(ctx, db.PendingEmailQuery{
		UserID:   userID,
		Priority: db.PriorityHigh,
		Limit:    MaxBatch,
	})
	if err != nil {
		return fmt.Errorf("list batch for %s: %w", userID, err)
	}
	batch = withSeed(batch, seed)

	out, err := s.send(ctx, kindImmediate, userID, batch, mail.RenderImmediate)
	if err != nil {
		return err
	}

	log.Debug("immediate batch resolved",
		zap.String("user_id", userID),
		zap.Bool("sent", out.sent),
		zap.Int64("resolved", out.resolved),
	)
	return nil
}

// withSeed guarantees the seed is part of the batch, displacing the oldest item when
// the batch is full.
func withSeed(batch []*db.DeliveryItem, seed *db.DeliveryItem) []*db.DeliveryItem {
	for _, item := range batch {
		if item.Delivery.ID == seed.Delivery.ID {
			return batch
		}
	}
	if len(batch) >= MaxBatch {
		batch = batch[:MaxBatch-1]
	}
	return append(batch, seed)
}
