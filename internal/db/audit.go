package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppendAudit inserts one audit record. ID and CreatedAt are filled in.
func (r *Repository) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ListingIDs == nil {
		rec.ListingIDs = []uuid.UUID{}
	}

	query := `
		INSERT INTO alert_audit (
			id, subscription_id, run_id, listing_ids, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rec.ID,
		rec.SubscriptionID,
		rec.RunID,
		rec.ListingIDs,
		rec.Status,
		rec.ErrorMessage,
	).Scan(&rec.CreatedAt)
	if err != nil {
		r.logger.Error("failed to append audit record",
			zap.Error(err),
			zap.String("subscription_id", rec.SubscriptionID.String()),
			zap.String("status", rec.Status),
		)
		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

// ListAuditBySubscription returns the most recent audit records of one
// subscription, newest first.
func (r *Repository) ListAuditBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]AuditRecord, error) {
	query := `
		SELECT id, subscription_id, run_id, listing_ids, status, error_message, created_at
		FROM alert_audit
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		err := rows.Scan(
			&rec.ID,
			&rec.SubscriptionID,
			&rec.RunID,
			&rec.ListingIDs,
			&rec.Status,
			&rec.ErrorMessage,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}

	return records, nil
}
