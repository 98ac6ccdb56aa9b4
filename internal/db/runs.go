package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// InsertRun persists the outcome of one batch invocation.
func (r *Repository) InsertRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO alert_runs (
			id, frequency, started_at, finished_at, processed,
			notifications_sent, errors, skipped, remaining, timed_out, failure_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		run.ID,
		string(run.Frequency),
		run.StartedAt,
		run.FinishedAt,
		run.Processed,
		run.NotificationsSent,
		run.Errors,
		run.Skipped,
		run.Remaining,
		run.TimedOut,
		run.FailureMessage,
	)
	if err != nil {
		r.logger.Error("failed to insert run record",
			zap.Error(err),
			zap.String("run_id", run.ID.String()),
		)
		return fmt.Errorf("insert run record: %w", err)
	}

	return nil
}
