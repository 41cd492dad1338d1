// Package mail renders notification emails and sends them through a transport.
package mail

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrNoRecipient is returned when a message has no destination address.
var ErrNoRecipient = errors.New("no recipient address")

// Transport sends one HTML email. A nil error means the provider accepted it.
type Transport interface {
	Send(ctx context.Context, to, subject, html string) error
}

func validate(to, subject string) error {
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	if strings.TrimSpace(subject) == "" {
		return errors.New("email subject is empty")
	}
	return nil
}

// LogTransport logs emails instead of sending them (for development).
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, to, subject, html string) error {
	if err := validate(to, subject); err != nil {
		return err
	}
	t.logger.Info("email sent",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("html_bytes", len(html)),
	)
	return nil
}
