// Package worker sends notification emails: one message per urgent batch from the work
// queue, and one digest per user from the scheduled sweep.
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
	"github.com/lalithlochan/propline/internal/metrics"
)

// Email kinds, used as metric labels.
const (
	kindImmediate = "immediate"
	kindDigest    = "digest"
)

// DeliveryStore resolves recipients and the outcome of a batch.
type DeliveryStore interface {
	EmailFor(ctx context.Context, userID string) (string, error)
	MarkDeliveriesSent(ctx context.Context, ids []uuid.UUID, sentAt time.Time) (int64, error)
	MarkDeliveriesFailed(ctx context.Context, ids []uuid.UUID, reason string) (int64, error)
}

type renderFunc func(cards []mail.Card) (subject, html string, err error)

// batcher renders a set of deliveries for one user into a single email and resolves
// every delivery in the set together.
type batcher struct {
	store     DeliveryStore
	transport mail.Transport
	logger    *zap.Logger
	now       func() time.Time
}

// outcome of one batch send.
type outcome struct {
	sent     bool
	resolved int64
}

// send returns an error only when the batch could not be resolved; a transport failure
// is a resolved outcome.
func (b *batcher) send(ctx context.Context, kind, userID string, items []*db.DeliveryItem, render renderFunc) (outcome, error) {
	ids := make([]uuid.UUID, 0, len(items))
	cards := make([]mail.Card, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Delivery.ID)
		cards = append(cards, mail.CardFor(&item.Notification))
	}

	sendErr := b.deliver(ctx, userID, cards, render)
	if sendErr != nil && !isResolvable(sendErr) {
		return outcome{}, sendErr
	}

	if sendErr != nil {
		metrics.RecordEmail(kind, "failed", len(ids))
		n, err := b.store.MarkDeliveriesFailed(ctx, ids, sendErr.Error())
		if err != nil {
			return outcome{}, fmt.Errorf("mark deliveries failed: %w", err)
		}
		b.logger.Warn("email batch failed",
			zap.String("kind", kind),
			zap.String("user_id", userID),
			zap.Int("deliveries", len(ids)),
			zap.Error(sendErr),
		)
		return outcome{resolved: n}, nil
	}

	metrics.RecordEmail(kind, "sent", len(ids))
	n, err := b.store.MarkDeliveriesSent(ctx, ids, b.now())
	if err != nil {
		return outcome{sent: true}, fmt.Errorf("mark deliveries sent: %w", err)
	}
	b.logger.Info("email batch sent",
		zap.String("kind", kind),
		zap.String("user_id", userID),
		zap.Int("deliveries", len(ids)),
	)
	return outcome{sent: true, resolved: n}, nil
}

// lookupError marks a store failure while resolving the recipient; the batch stays PENDING.
type lookupError struct{ err error }

func (e *lookupError) Error() string { return e.err.Error() }
func (e *lookupError) Unwrap() error { return e.err }

func isResolvable(err error) bool {
	var le *lookupError
	return !errors.As(err, &le)
}

func (b *batcher) deliver(ctx context.Context, userID string, cards []mail.Card, render renderFunc) error {
	to, err := b.store.EmailFor(ctx, userID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("user %s: %w", userID, mail.ErrNoRecipient)
	case err != nil:
		return &lookupError{err: fmt.Errorf("resolve recipient: %w", err)}
	}

	subject, html, err := render(cards)
	if err != nil {
		return err
	}
	return b.transport.Send(ctx, to, subject, html)
}
