package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/propline/internal/api"
	"github.com/lalithlochan/propline/internal/circuitbreaker"
	"github.com/lalithlochan/propline/internal/config"
	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/enqueue"
	"github.com/lalithlochan/propline/internal/events"
	"github.com/lalithlochan/propline/internal/handlers"
	"github.com/lalithlochan/propline/internal/mail"
	"github.com/lalithlochan/propline/internal/metrics"
	"github.com/lalithlochan/propline/internal/observ"
	"github.com/lalithlochan/propline/internal/queue"
	"github.com/lalithlochan/propline/internal/redis"
	"github.com/lalithlochan/propline/internal/scheduler"
	"github.com/lalithlochan/propline/internal/sqs"
	"github.com/lalithlochan/propline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// consumer drains jobs from whichever queue backend is configured.
type consumer interface {
	Consume(ctx context.Context, handler queue.Handler)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "notifier")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting propline notifier",
		zap.Int("port", cfg.Port),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		ApplicationName: "propline-notifier",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency keys, producer rate limits and the job guard. Without it
	// those layers are skipped and the store-level guarantees still hold.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	q, jobs, err := buildQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	transport, err := mail.NewTransport(ctx, mail.TransportConfig{
		Provider:             cfg.EmailProvider,
		FromEmail:            cfg.SESFromEmail,
		Region:               cfg.AWSRegion,
		PostmarkServerToken:  cfg.PostmarkServerToken,
		PostmarkAccountToken: cfg.PostmarkAccountToken,
		Tag:                  "notification",
	}, logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.EmailProvider), logger)
	protected := circuitbreaker.NewProtectedTransport(transport, breaker, logger)

	registry := handlers.NewRegistry(repo, handlers.Links{BaseURL: cfg.AppBaseURL}, logger)

	eventPoller := events.New(repo, registry, events.Config{
		PollInterval: cfg.EventPollInterval,
		BatchSize:    cfg.EventBatchSize,
		MaxAttempts:  cfg.EventMaxAttempts,
		ClaimTimeout: cfg.EventClaimTimeout,
	}, logger)

	enqueuePoller := enqueue.New(repo, q, enqueue.Config{
		PollInterval: cfg.EnqueuePollInterval,
		BatchSize:    cfg.EnqueueBatchSize,
	}, logger)

	sender := worker.NewImmediateSender(repo, protected, logger)

	digest := worker.NewDigestJob(repo, protected, worker.DigestConfig{
		Concurrency: cfg.DigestConcurrency,
		LeaseTTL:    cfg.DigestLeaseTTL,
	}, logger)

	var digestSchedule scheduler.Schedule
	if cfg.DigestAt != "" {
		digestSchedule, err = scheduler.Daily(cfg.DigestAt)
		if err != nil {
			return fmt.Errorf("invalid DIGEST_AT: %w", err)
		}
	}

	var handler *api.Handler
	var limiter api.Limiter
	if redisClient != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, registry.Types(), redis.NewIdempotencyService(redisClient, logger))
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		})
	} else {
		handler = api.NewHandler(logger, repo, registry.Types())
	}
	handler.SetDeliveryResetter(enqueuePoller)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, logger, api.ProducerOrIPKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))

		status := http.StatusOK
		body := map[string]any{
			"status":  "ok",
			"breaker": breaker.Stats(),
		}
		if err := database.Health(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		eventPoller.Start(gctx)
		return nil
	})

	g.Go(func() error {
		enqueuePoller.Start(gctx)
		return nil
	})

	g.Go(func() error {
		jobs.Consume(gctx, sender.HandleJob)
		return nil
	})

	if digestSchedule != nil {
		g.Go(func() error {
			scheduler.Run(gctx, "digest", digestSchedule, func(ctx context.Context) error {
				_, err := digest.Run(ctx)
				return err
			}, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("notifier stopped gracefully")
	return nil
}

func buildQueue(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (queue.Queue, consumer, error) {
	var (
		q    queue.Queue
		jobs consumer
	)

	switch cfg.QueueBackend {
	case config.QueueSQS:
		client, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.SQSQueueURL})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqs client: %w", err)
		}
		q = sqs.NewProducer(client, cfg.SQSQueueURL, logger)
		jobs = sqs.NewConsumer(client, cfg.SQSQueueURL, sqs.ConsumerConfig{}, logger)
	default:
		mem := queue.NewMemory(queue.MemoryConfig{}, logger)
		q, jobs = mem, mem
	}

	if redisClient != nil {
		q = queue.NewDedup(q, redis.NewJobGuard(redisClient, logger), 0, logger)
	}
	return q, jobs, nil
}


func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
