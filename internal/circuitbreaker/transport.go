package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/mail"
)

// ProtectedTransport wraps a mail.Transport with a CircuitBreaker. While the circuit is
// open Send fails immediately with ErrCircuitOpen, which the send worker records as the
// delivery failure reason.
type ProtectedTransport struct {
	transport mail.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

var _ mail.Transport = (*ProtectedTransport)(nil)

func NewProtectedTransport(transport mail.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

func (p *ProtectedTransport) Send(ctx context.Context, to, subject, html string) error {
	err := p.breaker.Do(func() error {
		return p.transport.Send(ctx, to, subject, html)
	}, isRecipientError)

	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("circuit breaker rejected email",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
	}
	return err
}

// A missing address says nothing about provider health.
func isRecipientError(err error) bool {
	return errors.Is(err, mail.ErrNoRecipient)
}

func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
