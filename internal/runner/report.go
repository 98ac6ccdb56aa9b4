package runner

import (
	"context"

	"github.com/lalithlochan/alerter/internal/db"
)

// RunStore persists run records.
type RunStore interface {
	InsertRun(ctx context.Context, run *db.RunRecord) error
}

// RunRecordReporter writes every summary to the alert_runs table.
type RunRecordReporter struct {
	store RunStore
}

func NewRunRecordReporter(store RunStore) *RunRecordReporter {
	return &RunRecordReporter{store: store}
}

func (r *RunRecordReporter) Report(ctx context.Context, s *Summary) error {
	return r.store.InsertRun(ctx, s.Record())
}

// Record converts the summary to its persisted form.
func (s *Summary) Record() *db.RunRecord {
	rec := &db.RunRecord{
		ID:                s.RunID,
		Frequency:         s.Frequency,
		StartedAt:         s.StartedAt,
		FinishedAt:        s.StartedAt.Add(s.Duration),
		Processed:         s.Processed,
		NotificationsSent: s.NotificationsSent,
		Errors:            s.Errors,
		Skipped:           s.Skipped,
		Remaining:         s.Remaining,
		TimedOut:          s.TimedOut,
	}
	if s.Failed() {
		msg := s.Failure
		rec.FailureMessage = &msg
	}
	return rec
}
