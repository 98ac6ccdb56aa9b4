package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/metrics"
	"github.com/lalithlochan/alerter/internal/redis"
)

// Quota reports whether one more send fits in a shared window.
type Quota interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// ThrottledTransport caps the send rate across every alerter instance so a
// burst of matches cannot exhaust the provider's sending limit.
type ThrottledTransport struct {
	next   Transport
	quota  Quota
	logger *zap.Logger
}

// NewThrottledTransport guards next with quota, keyed by the transport name.
func NewThrottledTransport(next Transport, quota Quota, logger *zap.Logger) *ThrottledTransport {
	return &ThrottledTransport{next: next, quota: quota, logger: logger}
}

func (t *ThrottledTransport) Name() string { return t.next.Name() }

// Send consumes one unit of quota before delegating. If the quota store is
// unreachable the send goes ahead.
func (t *ThrottledTransport) Send(ctx context.Context, email Email) (string, error) {
	res, err := t.quota.Allow(ctx, t.next.Name())
	if err != nil {
		t.logger.Warn("send quota check failed, sending anyway",
			zap.String("transport", t.next.Name()),
			zap.Error(err),
		)
		return t.next.Send(ctx, email)
	}
	if !res.Allowed {
		metrics.RecordQuotaRejection()
		return "", fmt.Errorf("%w: resets at %s", ErrQuotaExceeded, res.ResetAt.UTC().Format("15:04:05"))
	}
	return t.next.Send(ctx, email)
}
