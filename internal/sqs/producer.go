package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/queue"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is the body sent to SQS.
type Message struct {
	Job        queue.Job `json:"job"`
	EnqueuedAt int64     `json:"enqueued_at"`
}

// NewClient loads AWS configuration and builds an SQS client.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer submits jobs to SQS.
type Producer struct {
	client   API
	queueURL string
	fifo     bool
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer. On a FIFO queue the job ID (plus its revision,
// when set) becomes the MessageDeduplicationId, so SQS itself drops repeated submissions
// within its five-minute deduplication interval.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	fifo := strings.HasSuffix(queueURL, ".fifo")

	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
		zap.Bool("fifo", fifo),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		fifo:     fifo,
		logger:   logger,
	}
}

var _ queue.Queue = (*Producer)(nil)

// Enqueue sends a job to SQS.
func (p *Producer) Enqueue(ctx context.Context, job queue.Job) error {
	body, err := json.Marshal(Message{Job: job, EnqueuedAt: time.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if p.fifo {
		input.MessageDeduplicationId = aws.String(dedupID(job))
		input.MessageGroupId = aws.String(job.Name)
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("job sent to sqs",
		zap.String("job_id", job.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// dedupID keeps a resubmission after a delivery reset from being dropped as a repeat of
// the earlier attempt.
func dedupID(job queue.Job) string {
	if job.Revision == 0 {
		return job.ID
	}
	return job.ID + ":" + strconv.FormatInt(job.Revision, 10)
}
