// Command digest runs the daily email digest once and exits. It is meant for an external
// scheduler such as cron or a Kubernetes CronJob; the job lease keeps overlapping runs safe.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/circuitbreaker"
	"github.com/lalithlochan/propline/internal/config"
	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/mail"
	"github.com/lalithlochan/propline/internal/observ"
	"github.com/lalithlochan/propline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "digest")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		ApplicationName: "propline-digest",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	transport, err := mail.NewTransport(ctx, mail.TransportConfig{
		Provider:             cfg.EmailProvider,
		FromEmail:            cfg.SESFromEmail,
		Region:               cfg.AWSRegion,
		PostmarkServerToken:  cfg.PostmarkServerToken,
		PostmarkAccountToken: cfg.PostmarkAccountToken,
		Tag:                  "digest",
	}, logger)
	if err != nil {
		return err
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.EmailProvider), logger)
	job := worker.NewDigestJob(repo, circuitbreaker.NewProtectedTransport(transport, breaker, logger), worker.DigestConfig{
		Concurrency: cfg.DigestConcurrency,
		LeaseTTL:    cfg.DigestLeaseTTL,
	}, logger)

	report, err := job.Run(ctx)
	if err != nil {
		return fmt.Errorf("digest run failed: %w", err)
	}

	logger.Info("digest finished",
		zap.Bool("skipped", report.Skipped),
		zap.Int("users", report.Users),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("errors", report.Errors),
	)
	return json.NewEncoder(os.Stdout).Encode(report)
}
