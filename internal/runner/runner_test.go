package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/alerter/internal/db"
)

func katana() db.Criteria { return db.Criteria{ItemTypes: []string{"katana"}} }

func TestRun_ScenarioA_SendsNewMatches(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	k1 := h.catalog.add(listingAt("katana", t0.Add(1*time.Minute)))
	h.catalog.add(listingAt("wakizashi", t0.Add(2*time.Minute)))
	k5 := h.catalog.add(listingAt("katana", t0.Add(5*time.Minute)))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.NotificationsSent)
	assert.Equal(t, 0, summary.Errors)
	require.Equal(t, 1, h.transport.count())
	assert.Equal(t, "2 new matches for your saved search", h.transport.sent[0].Subject)

	sub := h.db.sub(id)
	require.NotNil(t, sub.LastNotifiedAt)
	assert.True(t, sub.LastNotifiedAt.Equal(summary.StartedAt), "watermark becomes run time")
	assert.Equal(t, 2, sub.LastMatchCount)

	audit := h.db.auditFor(id)
	require.Len(t, audit, 1)
	assert.Equal(t, db.AuditStatusSent, audit[0].Status)
	assert.Equal(t, []uuid.UUID{k5.ID, k1.ID}, audit[0].ListingIDs)
	assert.Equal(t, summary.RunID, audit[0].RunID)
}

func TestRun_ScenarioB_NoMatchesStillAdvances(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(-time.Minute)))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.NotificationsSent)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 0, h.transport.count())
	assert.Empty(t, h.db.auditFor(id), "empty passes write no audit record")

	sub := h.db.sub(id)
	assert.True(t, sub.LastNotifiedAt.Equal(summary.StartedAt))
	assert.Equal(t, 0, sub.LastMatchCount)
}

func TestRun_ScenarioC_FailedDispatchIsRetried(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	var want []uuid.UUID
	for i := 3; i >= 1; i-- {
		want = append(want, h.catalog.add(listingAt("katana", t0.Add(time.Duration(i)*time.Minute))).ID)
	}
	h.transport.setErr(errors.New("smtp 451 try later"))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.NotificationsSent)

	audit := h.db.auditFor(id)
	require.Len(t, audit, 1)
	assert.Equal(t, db.AuditStatusFailed, audit[0].Status)
	assert.Equal(t, want, audit[0].ListingIDs)
	require.NotNil(t, audit[0].ErrorMessage)
	assert.Contains(t, *audit[0].ErrorMessage, "smtp 451")
	assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(t0), "watermark must not move on failure")

	// The transport recovers; the next run sees the same matches.
	h.transport.setErr(nil)
	h.clock.advance(5 * time.Minute)

	summary, err = h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NotificationsSent)

	audit = h.db.auditFor(id)
	require.Len(t, audit, 2)
	assert.Equal(t, db.AuditStatusSent, audit[1].Status)
	assert.Equal(t, want, audit[1].ListingIDs)
}

func TestRun_IdempotentWithoutNewListings(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))

	first, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, first.NotificationsSent)

	h.clock.advance(5 * time.Minute)
	second, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NotificationsSent)
	assert.Equal(t, 1, h.transport.count())
}

func TestRun_WatermarkNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, Config{})
	future := t0.Add(time.Hour)
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(future))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(future))
}

func TestRun_FirstRunUsesLookback(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), nil)
	now := h.clock.now()
	h.catalog.add(listingAt("katana", now.Add(-30*time.Minute)))
	recent := h.catalog.add(listingAt("katana", now.Add(-5*time.Minute)))

	_, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	audit := h.db.auditFor(id)
	require.Len(t, audit, 1)
	assert.Equal(t, []uuid.UUID{recent.ID}, audit[0].ListingIDs)
}

func TestRun_IsolatesFailures(t *testing.T) {
	h := newHarness(t, Config{GroupSize: 3})
	ok1 := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	bad := h.db.addSub(db.FrequencyInstant, db.Criteria{Query: "fail"}, ptr(t0))
	boom := h.db.addSub(db.FrequencyInstant, db.Criteria{Query: "panic"}, ptr(t0))
	ok2 := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 2, summary.NotificationsSent)
	assert.Equal(t, 2, summary.Errors)

	for _, id := range []uuid.UUID{bad, boom} {
		assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(t0))
		assert.Empty(t, h.db.auditFor(id))
	}
	for _, id := range []uuid.UUID{ok1, ok2} {
		assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(summary.StartedAt))
		assert.Len(t, h.db.auditFor(id), 1)
	}
}

func TestRun_UnknownRecipientIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.db.removeEmail(id)
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 0, h.transport.count())
	assert.Empty(t, h.db.auditFor(id))
	assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(t0))
}

func TestRun_MalformedRecipientIsDispatchFailure(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.db.emails[h.db.sub(id).UserID] = "not-an-address"
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	audit := h.db.auditFor(id)
	require.Len(t, audit, 1)
	assert.Equal(t, db.AuditStatusFailed, audit[0].Status)
	assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(t0))
}

func TestRun_DirectoryFailureOnlyAffectsDispatch(t *testing.T) {
	h := newHarness(t, Config{})
	matched := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	empty := h.db.addSub(db.FrequencyInstant, db.Criteria{ItemTypes: []string{"tanto"}}, ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))
	h.db.emailErr = errors.New("users table unavailable")

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Errors)
	assert.Empty(t, h.db.auditFor(matched))
	assert.True(t, h.db.sub(matched).LastNotifiedAt.Equal(t0))
	assert.True(t, h.db.sub(empty).LastNotifiedAt.Equal(summary.StartedAt))
}

func TestRun_SentButCommitFailed(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))
	h.db.markErr = errors.New("deadlock detected")

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NotificationsSent)
	assert.Equal(t, 1, summary.Errors)
	audit := h.db.auditFor(id)
	require.Len(t, audit, 1)
	assert.Equal(t, db.AuditStatusSent, audit[0].Status)
	assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(t0))
}

func TestRun_AuditFailureKeepsWatermarkDecision(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))
	h.db.auditErr = errors.New("disk full")

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NotificationsSent)
	assert.Equal(t, 1, summary.Errors)
	assert.True(t, h.db.sub(id).LastNotifiedAt.Equal(summary.StartedAt))
}

func TestRun_MatchLimitCapsNotification(t *testing.T) {
	h := newHarness(t, Config{MatchLimit: 2})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	for i := 1; i <= 3; i++ {
		h.catalog.add(listingAt("katana", t0.Add(time.Duration(i)*time.Minute)))
	}

	_, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	audit := h.db.auditFor(id)
	require.Len(t, audit, 1)
	assert.Len(t, audit[0].ListingIDs, 2)
	assert.Equal(t, 2, h.db.sub(id).LastMatchCount)
}

func TestRun_GroupsCoverAllSubscriptions(t *testing.T) {
	h := newHarness(t, Config{GroupSize: 20})
	for i := 0; i < 45; i++ {
		h.db.addSub(db.FrequencyDaily, katana(), ptr(t0))
	}
	h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))

	summary, err := h.runner.Run(context.Background(), db.FrequencyDaily)
	require.NoError(t, err)

	assert.Equal(t, 45, summary.Processed)
	assert.Equal(t, 45, summary.NotificationsSent)
	assert.Equal(t, 3, h.db.emailCalls, "one directory call per group")
	assert.Contains(t, h.transport.sent[0].Subject, "daily digest")
}

func TestRun_BudgetStopsNewGroups(t *testing.T) {
	h := newHarness(t, Config{GroupSize: 2, RunBudget: 90 * time.Second})
	for i := 0; i < 6; i++ {
		h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	}
	h.catalog.onCall = func() { h.clock.advance(time.Minute) }

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	assert.True(t, summary.TimedOut)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 4, summary.Remaining)
	assert.Equal(t, 2, h.catalog.calls)
}

func TestRun_CancelledContextStopsNewGroups(t *testing.T) {
	h := newHarness(t, Config{GroupSize: 1})
	for i := 0; i < 3; i++ {
		h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.catalog.onCall = cancel

	summary, err := h.runner.Run(ctx, db.FrequencyInstant)
	require.NoError(t, err)

	assert.False(t, summary.TimedOut)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Remaining)
}

func TestRun_LockHeld(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	_, ok, _ := h.locker.TryAcquire(context.Background(), "instant", "other-run")
	require.True(t, ok)

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, summary)
	assert.Equal(t, 0, h.catalog.calls)
	assert.Empty(t, h.reporter.summaries)

	// Other tiers are not blocked.
	_, err = h.runner.Run(context.Background(), db.FrequencyDaily)
	assert.NoError(t, err)
}

func TestRun_LockErrorFailsRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.locker.err = errors.New("redis down")

	_, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunInProgress)
}

func TestRun_ReleasesLockWithRunID(t *testing.T) {
	h := newHarness(t, Config{})

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, []string{summary.RunID.String()}, h.locker.released)
	assert.Empty(t, h.locker.held)
}

func TestRun_LoadFailureFailsRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.loadErr = errors.New("connection refused")

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.ErrorIs(t, err, ErrLoadSubscriptions)
	require.NotNil(t, summary)
	assert.True(t, summary.Failed())
	assert.Equal(t, 0, summary.Processed)

	require.Len(t, h.reporter.summaries, 1)
	assert.True(t, h.reporter.summaries[0].Failed())
	require.Len(t, h.db.runs, 1)
	require.NotNil(t, h.db.runs[0].FailureMessage)
	assert.Contains(t, *h.db.runs[0].FailureMessage, "connection refused")
	assert.Len(t, h.locker.released, 1)
}

func TestRun_ReporterErrorsAreContained(t *testing.T) {
	h := newHarness(t, Config{})
	h.reporter.err = errors.New("queue unavailable")
	h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Len(t, h.db.runs, 1, "later reporters still run")
}

func TestRun_RecordsRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	h.catalog.add(listingAt("katana", t0.Add(time.Minute)))
	h.catalog.onCall = func() { h.clock.advance(2 * time.Second) }

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)

	require.Len(t, h.db.runs, 1)
	rec := h.db.runs[0]
	assert.Equal(t, summary.RunID, rec.ID)
	assert.Equal(t, 1, rec.NotificationsSent)
	assert.Nil(t, rec.FailureMessage)
	assert.Equal(t, 2*time.Second, rec.FinishedAt.Sub(rec.StartedAt))
	assert.Equal(t, int64(2000), summary.DurationMs)
}

func TestSummary_JSON(t *testing.T) {
	s := Summary{
		RunID:             uuid.New(),
		Frequency:         db.FrequencyDaily,
		Processed:         4,
		NotificationsSent: 2,
		Errors:            1,
		Skipped:           1,
		DurationMs:        1500,
	}
	body, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, float64(4), decoded["processed"])
	assert.Equal(t, float64(2), decoded["notificationsSent"])
	assert.Equal(t, float64(1), decoded["errors"])
	assert.Equal(t, "daily", decoded["frequency"])
	assert.NotContains(t, decoded, "failure")
	assert.NotContains(t, decoded, "Duration")
}

func TestSummary_ErrorRatio(t *testing.T) {
	assert.Equal(t, 0.0, (&Summary{}).ErrorRatio())
	assert.Equal(t, 0.25, (&Summary{Processed: 4, Errors: 1}).ErrorRatio())
}

func TestRun_ListingArrivingMidRunIsNotifiedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	start := h.clock.now()
	before := h.catalog.add(listingAt("katana", t0.Add(time.Minute)))
	// First seen after the run started but before its query ran.
	during := h.catalog.add(listingAt("katana", start.Add(30*time.Second)))

	first, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, first.NotificationsSent)

	h.clock.advance(5 * time.Minute)
	second, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, second.NotificationsSent)

	h.clock.advance(5 * time.Minute)
	third, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 0, third.NotificationsSent)

	assert.Equal(t, 2, h.transport.count())
	audit := h.db.auditFor(id)
	require.Len(t, audit, 2)
	assert.Equal(t, []uuid.UUID{before.ID}, audit[0].ListingIDs)
	assert.Equal(t, []uuid.UUID{during.ID}, audit[1].ListingIDs)
}

func TestRun_WatermarkTruncatedToMicroseconds(t *testing.T) {
	h := newHarness(t, Config{})
	h.clock.set(t0.Add(10*time.Minute + 1500*time.Nanosecond))
	id := h.db.addSub(db.FrequencyInstant, katana(), ptr(t0))
	edge := t0.Add(10*time.Minute + time.Microsecond)
	h.catalog.add(listingAt("katana", edge))

	summary, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NotificationsSent)

	got := h.db.sub(id).LastNotifiedAt
	require.NotNil(t, got)
	assert.True(t, got.Equal(edge), "watermark %s should be %s", got, edge)

	h.clock.advance(time.Minute)
	again, err := h.runner.Run(context.Background(), db.FrequencyInstant)
	require.NoError(t, err)
	assert.Equal(t, 0, again.NotificationsSent)
}
