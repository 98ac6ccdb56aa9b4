// Package watermark tracks the "new since" boundary of each subscription.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/db"
)

// First-run lookback windows. Instant exceeds one scheduling interval with
// room for scheduler jitter; daily exceeds 24h to absorb timezone/DST skew.
const (
	InstantLookback = 20 * time.Minute
	DailyLookback   = 25 * time.Hour
)

// ErrStaleWatermark is returned when a commit would move the watermark back.
var ErrStaleWatermark = db.ErrStaleWatermark

// Store persists watermarks.
type Store interface {
	CommitWatermark(ctx context.Context, id uuid.UUID, notifiedAt time.Time, matchCount int) error
}

// Tracker computes and advances subscription watermarks.
type Tracker struct {
	store  Store
	logger *zap.Logger
}

// New creates a Tracker.
func New(store Store, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Lookback returns the first-run window of a frequency tier.
func Lookback(freq db.Frequency) time.Duration {
	if freq == db.FrequencyDaily {
		return DailyLookback
	}
	return InstantLookback
}

// EffectiveSince returns last_notified_at, or now minus the tier lookback
// when the subscription was never notified.
func (t *Tracker) EffectiveSince(sub db.Subscription, now time.Time) time.Time {
	if sub.LastNotifiedAt != nil {
		return *sub.LastNotifiedAt
	}
	return now.Add(-Lookback(sub.Frequency))
}

// Commit sets last_notified_at = now and last_match_count = matchCount. It is
// called after a successful dispatch and after a no-match pass, never after a
// failed dispatch. On success sub is updated in place.
func (t *Tracker) Commit(ctx context.Context, sub *db.Subscription, matchCount int, now time.Time) error {
	if sub.LastNotifiedAt != nil && now.Before(*sub.LastNotifiedAt) {
		return fmt.Errorf("%w: %s is before %s", ErrStaleWatermark,
			now.Format(time.RFC3339Nano), sub.LastNotifiedAt.Format(time.RFC3339Nano))
	}

	if err := t.store.CommitWatermark(ctx, sub.ID, now, matchCount); err != nil {
		return fmt.Errorf("commit watermark: %w", err)
	}

	notifiedAt := now
	sub.LastNotifiedAt = &notifiedAt
	sub.LastMatchCount = matchCount

	t.logger.Debug("watermark advanced",
		zap.String("subscription_id", sub.ID.String()),
		zap.Time("last_notified_at", now),
		zap.Int("match_count", matchCount),
	)

	return nil
}
