package mail

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"
)

// PostmarkAPI is the subset of the Postmark client the transport uses.
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromEmail    string
	// Tag groups messages in the Postmark dashboard.
	Tag string
}

type PostmarkTransport struct {
	client PostmarkAPI
	config PostmarkConfig
	logger *zap.Logger
}

// NewPostmarkTransport builds a Postmark-backed transport. Both tokens and the sender are required.
func NewPostmarkTransport(cfg PostmarkConfig, logger *zap.Logger) (*PostmarkTransport, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("postmark transport: server token is required")
	}
	if cfg.AccountToken == "" {
		return nil, fmt.Errorf("postmark transport: account token is required")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("postmark transport: from address is required")
	}
	return NewPostmarkTransportWithClient(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg, logger), nil
}

func NewPostmarkTransportWithClient(client PostmarkAPI, cfg PostmarkConfig, logger *zap.Logger) *PostmarkTransport {
	if cfg.Tag == "" {
		cfg.Tag = "notification"
	}
	return &PostmarkTransport{client: client, config: cfg, logger: logger}
}

func (t *PostmarkTransport) Send(ctx context.Context, to, subject, html string) error {
	if err := validate(to, subject); err != nil {
		return err
	}

	resp, err := t.client.SendEmail(ctx, postmark.Email{
		From:       t.config.FromEmail,
		To:         to,
		Subject:    subject,
		Tag:        t.config.Tag,
		HTMLBody:   html,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return fmt.Errorf("postmark send failed: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}

	t.logger.Info("email sent via postmark",
		zap.String("to", to),
		zap.String("message_id", resp.MessageID),
	)
	return nil
}
