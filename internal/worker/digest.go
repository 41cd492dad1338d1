package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/mail"
	"github.com/lalithlochan/propline/internal/metrics"
)

// MaxDigest bounds how many notifications one digest email carries.
const MaxDigest = 20

const digestLease = "digest"

type DigestStore interface {
	DeliveryStore
	ListUsersWithPendingEmail(ctx context.Context) ([]string, error)
	ListPendingEmail(ctx context.Context, q db.PendingEmailQuery) ([]*db.DeliveryItem, error)
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

type DigestConfig struct {
	// Concurrency is the number of users processed in parallel.
	Concurrency int
	// LeaseTTL bounds how long a crashed run blocks the next one.
	LeaseTTL time.Duration
}

// DigestReport summarizes one digest run.
type DigestReport struct {
	// Skipped is set when another run held the lease.
	Skipped    bool `json:"skipped"`
	Users      int  `json:"users"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Errors     int  `json:"errors"`
	Deliveries int  `json:"deliveries"`
}

// DigestJob batches every user's remaining pending email deliveries into one message.
type DigestJob struct {
	store  DigestStore
	config DigestConfig
	batcher
}

func NewDigestJob(store DigestStore, transport mail.Transport, cfg DigestConfig, logger *zap.Logger) *DigestJob {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Hour
	}

	return &DigestJob{
		store:  store,
		config: cfg,
		batcher: batcher{
			store:     store,
			transport: transport,
			logger:    logger,
			now:       time.Now,
		},
	}
}

// Run performs one sweep. A failure for one user is logged and counted; it never stops
// the sweep. The returned error covers only the lease and the user listing.
func (j *DigestJob) Run(ctx context.Context) (DigestReport, error) {
	var report DigestReport
	start := time.Now()
	defer func() { metrics.RecordPollDuration("digest", time.Since(start)) }()

	holder := uuid.NewString()
	ok, err := j.store.AcquireLease(ctx, digestLease, holder, j.now(), j.config.LeaseTTL)
	if err != nil {
		return report, fmt.Errorf("acquire digest lease: %w", err)
	}
	if !ok {
		j.logger.Info("digest already running elsewhere, skipping")
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := j.store.ReleaseLease(context.WithoutCancel(ctx), digestLease, holder); err != nil {
			j.logger.Error("failed to release digest lease", zap.Error(err))
		}
	}()

	users, err := j.store.ListUsersWithPendingEmail(ctx)
	if err != nil {
		return report, fmt.Errorf("list digest users: %w", err)
	}
	report.Users = len(users)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(j.config.Concurrency)

	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			n, out, err := j.runUser(ctx, userID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Errors++
				j.logger.Error("digest failed for user", zap.String("user_id", userID), zap.Error(err))
			case n == 0:
			case out.sent:
				report.Sent++
				report.Deliveries += n
			default:
				report.Failed++
				report.Deliveries += n
			}
			return nil
		})
	}
	_ = g.Wait()

	j.logger.Info("digest run complete",
		zap.Int("users", report.Users),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (j *DigestJob) runUser(ctx context.Context, userID string) (int, outcome, error) {
	items, err := j.store.ListPendingEmail(ctx, db.PendingEmailQuery{
		UserID:          userID,
		ExcludeEnqueued: true,
		Limit:           MaxDigest,
	})
	if err != nil {
		return 0, outcome{}, fmt.Errorf("list pending email: %w", err)
	}
	if len(items) == 0 {
		return 0, outcome{}, nil
	}

	out, err := j.send(ctx, kindDigest, userID, items, mail.RenderDigest)
	return len(items), out, err
}
