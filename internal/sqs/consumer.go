package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/metrics"
	"github.com/lalithlochan/propline/internal/queue"
)

type ConsumerConfig struct {
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// RetryVisibility is the visibility applied to a failed job before it is redelivered.
	RetryVisibility int32
	// ErrorBackoff is how long to pause after a failed receive.
	ErrorBackoff time.Duration
}

// Consumer reads jobs from SQS. A job whose handler fails is not deleted and becomes
// visible again after the visibility timeout.
type Consumer struct {
	client   API
	queueURL string
	config   ConsumerConfig
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, queueURL string, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.RetryVisibility == 0 {
		cfg.RetryVisibility = 30
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: queueURL,
		config:   cfg,
		logger:   logger,
	}
}

// Consume long-polls SQS and runs handler for every job until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler queue.Handler) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}

		n, err := c.ReceiveOnce(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("sqs batch handled", zap.Int("messages", n))
		}
	}
}

// ReceiveOnce receives one batch and handles it. It returns the number of messages received.
func (c *Consumer) ReceiveOnce(ctx context.Context, handler queue.Handler) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetQueueMessagesInFlight(len(result.Messages))
	defer metrics.SetQueueMessagesInFlight(0)

	for _, m := range result.Messages {
		receipt := aws.ToString(m.ReceiptHandle)

		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
			// A body that never decodes would be redelivered forever.
			c.logger.Error("dropping malformed message",
				zap.Error(err),
				zap.String("message_id", aws.ToString(m.MessageId)),
			)
			c.delete(ctx, receipt)
			continue
		}

		if err := handler(ctx, msg.Job); err != nil {
			c.logger.Warn("job failed, leaving for redelivery",
				zap.Error(err),
				zap.String("job_id", msg.Job.ID),
			)
			if err := c.ChangeVisibility(ctx, receipt, c.config.RetryVisibility); err != nil {
				c.logger.Warn("failed to shorten visibility", zap.Error(err))
			}
			continue
		}
		c.delete(ctx, receipt)
	}

	return len(result.Messages), nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) {
	if err := c.DeleteMessage(ctx, receiptHandle); err != nil {
		c.logger.Error("failed to delete message", zap.Error(err))
	}
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility extends the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
