package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/metrics"
	"github.com/lalithlochan/alerter/internal/notify"
)

// ProtectedTransport guards a notify.Transport with a CircuitBreaker.
type ProtectedTransport struct {
	next    notify.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedTransport wraps next.
func NewProtectedTransport(next notify.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{next: next, breaker: breaker, logger: logger}
}

func (p *ProtectedTransport) Name() string { return p.next.Name() }

// Send returns ErrCircuitOpen without calling the transport while the
// breaker is open.
func (p *ProtectedTransport) Send(ctx context.Context, email notify.Email) (string, error) {
	if !p.breaker.Allow() {
		metrics.RecordBreakerRejection(p.breaker.Name())
		p.logger.Warn("circuit breaker rejected send",
			zap.Any("breaker", p.breaker.Stats()),
			zap.String("subscription_id", email.Tags["subscription_id"]),
		)
		return "", fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	id, err := p.next.Send(ctx, email)
	p.breaker.Record(err)
	return id, err
}

// Breaker exposes the wrapped breaker for shutdown stats.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
