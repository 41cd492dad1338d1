package mail

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider names accepted by NewTransport.
const (
	ProviderSES      = "ses"
	ProviderPostmark = "postmark"
	ProviderLog      = "log"
)

type TransportConfig struct {
	Provider  string
	FromEmail string

	// SES
	Region string

	// Postmark
	PostmarkServerToken  string
	PostmarkAccountToken string
	// Tag labels messages where the provider supports it.
	Tag string
}

// NewTransport builds the transport named by cfg.Provider. An empty provider logs instead of sending.
func NewTransport(ctx context.Context, cfg TransportConfig, logger *zap.Logger) (Transport, error) {
	switch cfg.Provider {
	case ProviderSES:
		t, err := NewSESTransport(ctx, SESConfig{Region: cfg.Region, FromEmail: cfg.FromEmail}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil
	case ProviderPostmark:
		t, err := NewPostmarkTransport(PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			FromEmail:    cfg.FromEmail,
			Tag:          cfg.Tag,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create postmark transport: %w", err)
		}
		return t, nil
	case ProviderLog, "":
		return NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}
