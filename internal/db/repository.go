package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrStaleWatermark is returned when a watermark write would move
	// last_notified_at backwards (or the subscription no longer exists).
	ErrStaleWatermark = errors.New("watermark not advanced")
)

// Repository handles database operations for saved searches, listings,
// the audit log and run records.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetActiveSubscriptions loads every active saved search of one frequency
// tier, oldest first so a budget-truncated run leaves the newest for later.
func (r *Repository) GetActiveSubscriptions(ctx context.Context, freq Frequency) ([]Subscription, error) {
	query := `
		SELECT
			id, user_id, criteria, frequency, active,
			last_notified_at, last_match_count, created_at
		FROM saved_searches
		WHERE active AND frequency = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, string(freq))
	if err != nil {
		r.logger.Error("failed to load active subscriptions",
			zap.Error(err),
			zap.String("frequency", string(freq)),
		)
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var (
			sub     Subscription
			raw     []byte
			rawFreq string
		)
		err := rows.Scan(
			&sub.ID,
			&sub.UserID,
			&raw,
			&rawFreq,
			&sub.Active,
			&sub.LastNotifiedAt,
			&sub.LastMatchCount,
			&sub.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Frequency = Frequency(rawFreq)

		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &sub.Criteria); err != nil {
				// A malformed row must not hide the rest of the tier.
				r.logger.Warn("skipping subscription with unreadable criteria",
					zap.Error(err),
					zap.String("subscription_id", sub.ID.String()),
				)
				continue
			}
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return subs, nil
}

// GetEmailsByUserIDs resolves owner emails. Users without an email on file
// are absent from the result.
func (r *Repository) GetEmailsByUserIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	emails := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return emails, nil
	}

	query := `
		SELECT id, email
		FROM users
		WHERE id = ANY($1) AND coalesce(email, '') <> ''
	`

	rows, err := r.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query user emails: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    uuid.UUID
			email string
		)
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("scan user email: %w", err)
		}
		emails[id] = email
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user emails: %w", err)
	}

	return emails, nil
}

// CommitWatermark sets last_notified_at and last_match_count. The write only
// applies when it moves the watermark forward.
func (r *Repository) CommitWatermark(ctx context.Context, id uuid.UUID, notifiedAt time.Time, matchCount int) error {
	query := `
		UPDATE saved_searches
		SET last_notified_at = $1, last_match_count = $2
		WHERE id = $3 AND (last_notified_at IS NULL OR last_notified_at <= $1)
	`

	result, err := r.db.Pool().Exec(ctx, query, notifiedAt, matchCount, id)
	if err != nil {
		r.logger.Error("failed to commit watermark",
			zap.Error(err),
			zap.String("subscription_id", id.String()),
		)
		return fmt.Errorf("update watermark: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: subscription %s", ErrStaleWatermark, id)
	}

	return nil
}
