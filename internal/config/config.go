package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Queue backends.
const (
	QueueSQS    = "sqs"
	QueueMemory = "memory"
)

// Email providers.
const (
	EmailSES      = "ses"
	EmailPostmark = "postmark"
	EmailLog      = "log"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Work queue
	QueueBackend string
	AWSRegion    string
	SQSQueueURL  string

	// Email transport
	EmailProvider        string
	SESFromEmail         string
	PostmarkServerToken  string
	PostmarkAccountToken string

	// AppBaseURL prefixes action links in notifications.
	AppBaseURL string

	// Domain event poller
	EventPollInterval time.Duration
	EventBatchSize    int
	EventMaxAttempts  int
	EventClaimTimeout time.Duration

	// High-priority enqueue poller
	EnqueuePollInterval time.Duration
	EnqueueBatchSize    int

	// DigestAt is the daily HH:MM for the in-process digest. Empty leaves it to an external cron.
	DigestAt          string
	DigestConcurrency int
	DigestLeaseTTL    time.Duration
}

// Load reads configuration from environment variables with sensible defaults. A .env file
// in the working directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "propline",
		DBName:    "propline",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		QueueBackend:  QueueMemory,
		AWSRegion:     "us-east-1",
		EmailProvider: EmailLog,
		SESFromEmail:  "noreply@propline.local",
		AppBaseURL:    "http://localhost:3000",

		EventPollInterval:   30 * time.Second,
		EventBatchSize:      25,
		EnqueuePollInterval: 10 * time.Second,
		EnqueueBatchSize:    25,
		DigestConcurrency:   4,
		DigestLeaseTTL:      time.Hour,
	}

	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)

	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)

	str("QUEUE_BACKEND", &cfg.QueueBackend)
	str("AWS_REGION", &cfg.AWSRegion)
	str("SQS_QUEUE_URL", &cfg.SQSQueueURL)

	str("EMAIL_PROVIDER", &cfg.EmailProvider)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	str("POSTMARK_SERVER_TOKEN", &cfg.PostmarkServerToken)
	str("POSTMARK_ACCOUNT_TOKEN", &cfg.PostmarkAccountToken)
	str("APP_BASE_URL", &cfg.AppBaseURL)

	dur("EVENT_POLL_INTERVAL", &cfg.EventPollInterval)
	num("EVENT_BATCH_SIZE", &cfg.EventBatchSize)
	num("EVENT_MAX_ATTEMPTS", &cfg.EventMaxAttempts)
	dur("EVENT_CLAIM_TIMEOUT", &cfg.EventClaimTimeout)
	dur("ENQUEUE_POLL_INTERVAL", &cfg.EnqueuePollInterval)
	num("ENQUEUE_BATCH_SIZE", &cfg.EnqueueBatchSize)

	str("DIGEST_AT", &cfg.DigestAt)
	num("DIGEST_CONCURRENCY", &cfg.DigestConcurrency)
	dur("DIGEST_LEASE_TTL", &cfg.DigestLeaseTTL)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueBackend {
	case QueueMemory:
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return errors.New("SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q", c.QueueBackend)
	}

	switch c.EmailProvider {
	case EmailSES, EmailLog:
	case EmailPostmark:
		if c.PostmarkServerToken == "" || c.PostmarkAccountToken == "" {
			return errors.New("POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN are required when EMAIL_PROVIDER=postmark")
		}
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER %q", c.EmailProvider)
	}

	if c.EventBatchSize <= 0 || c.EnqueueBatchSize <= 0 {
		return errors.New("batch sizes must be positive")
	}
	if c.EventMaxAttempts < 0 {
		return errors.New("EVENT_MAX_ATTEMPTS must not be negative")
	}
	return nil
}
