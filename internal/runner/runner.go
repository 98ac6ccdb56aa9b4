// Package runner executes one batch pass of a frequency tier: load the tier's
// active saved searches, find what is new for each, notify, and advance the
// watermark only when it is safe to do so.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/alerter/internal/db"
	"github.com/lalithlochan/alerter/internal/metrics"
	"github.com/lalithlochan/alerter/internal/notify"
	"github.com/lalithlochan/alerter/internal/observ"
)

var (
	// ErrRunInProgress means another run of the same tier holds the lock.
	ErrRunInProgress = errors.New("run already in progress for tier")

	// ErrLoadSubscriptions is the only per-run failure: without the
	// subscription list nothing can be processed.
	ErrLoadSubscriptions = errors.New("load active subscriptions")
)

// Directory resolves subscriptions and their owners' addresses.
type Directory interface {
	GetActiveSubscriptions(ctx context.Context, freq db.Frequency) ([]db.Subscription, error)
	GetEmailsByUserIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// Retriever finds the capped match set of a subscription.
type Retriever interface {
	FindMatches(ctx context.Context, c db.Criteria, since, until time.Time, limit int) ([]db.Listing, error)
}

// Dispatcher sends exactly one notification per call.
type Dispatcher interface {
	Send(ctx context.Context, recipient string, sub db.Subscription, matches []db.Listing) (*notify.Receipt, error)
}

// Watermarks computes and advances the since boundary.
type Watermarks interface {
	EffectiveSince(sub db.Subscription, now time.Time) time.Time
	Commit(ctx context.Context, sub *db.Subscription, matchCount int, now time.Time) error
}

// AuditStore appends dispatch outcomes.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec *db.AuditRecord) error
}

// Locker keeps runs of one tier from overlapping. The returned release func
// frees the lock only if token still owns it.
type Locker interface {
	TryAcquire(ctx context.Context, key, token string) (func(context.Context) error, bool, error)
}

// Reporter receives the summary of every run that got past the lock.
type Reporter interface {
	Report(ctx context.Context, s *Summary) error
}

// Config tunes a Runner.
type Config struct {
	GroupSize        int
	MatchLimit       int
	RunBudget        time.Duration
	RetrievalTimeout time.Duration
	DispatchTimeout  time.Duration
	ReportTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		GroupSize:        20,
		MatchLimit:       50,
		RunBudget:        300 * time.Second,
		RetrievalTimeout: 10 * time.Second,
		DispatchTimeout:  15 * time.Second,
		ReportTimeout:    5 * time.Second,
	}
}

// Summary is the aggregate result of one run.
type Summary struct {
	RunID             uuid.UUID     `json:"runId"`
	Frequency         db.Frequency  `json:"frequency"`
	Processed         int           `json:"processed"`
	NotificationsSent int           `json:"notificationsSent"`
	Errors            int           `json:"errors"`
	Skipped           int           `json:"skipped"`
	Remaining         int           `json:"remaining"`
	TimedOut          bool          `json:"timedOut"`
	StartedAt         time.Time     `json:"startedAt"`
	Duration          time.Duration `json:"-"`
	DurationMs        int64         `json:"durationMs"`
	Failure           string        `json:"failure,omitempty"`
}

// Failed reports whether the run failed as a whole.
func (s *Summary) Failed() bool {
	return s.Failure != ""
}

// ErrorRatio is errors over processed, 0 for an empty run.
func (s *Summary) ErrorRatio() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Processed)
}

// Deps bundles the collaborators of a Runner.
type Deps struct {
	Directory  Directory
	Retriever  Retriever
	Dispatcher Dispatcher
	Watermarks Watermarks
	Audit      AuditStore
	Locker     Locker
	Reporters  []Reporter
}

// Runner executes batch runs. It is safe to call Run concurrently for
// different tiers.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Runner, filling zero fields of cfg with defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Runner {
	def := DefaultConfig()
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = def.GroupSize
	}
	if cfg.MatchLimit <= 0 {
		cfg.MatchLimit = def.MatchLimit
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = def.RunBudget
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = def.RetrievalTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = def.ReportTimeout
	}

	return &Runner{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// outcome is what one subscription contributes to the summary.
type outcome struct {
	final   State
	last    State
	sent    bool
	skipped bool
}

// Run processes every active subscription of freq.
//
// It returns ErrRunInProgress when the tier is locked and wraps
// ErrLoadSubscriptions when the subscription list cannot be read; in the
// latter case the summary is returned too. Every other failure is contained
// in the summary counters.
func (r *Runner) Run(ctx context.Context, freq db.Frequency) (*Summary, error) {
	runID := uuid.New()
	// Postgres keeps microseconds; a finer watermark would reopen the window
	// edge on the next run.
	startedAt := r.now().Truncate(time.Microsecond)
	logger := observ.RunLogger(r.logger, runID.String(), string(freq))

	release, acquired, err := r.deps.Locker.TryAcquire(ctx, string(freq), runID.String())
	if err != nil {
		return nil, fmt.Errorf("acquire tier lock: %w", err)
	}
	if !acquired {
		metrics.RecordRun(string(freq), "locked", 0)
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release tier lock", zap.Error(err))
		}
	}()

	summary := &Summary{
		RunID:     runID,
		Frequency: freq,
		StartedAt: startedAt,
	}

	logger.Info("run started")

	subs, err := r.deps.Directory.GetActiveSubscriptions(ctx, freq)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLoadSubscriptions, err)
		summary.Failure = err.Error()
		logger.Error("run failed", zap.Error(err))
		r.finish(ctx, logger, summary)
		return summary, err
	}

	deadline := startedAt.Add(r.cfg.RunBudget)

	for offset := 0; offset < len(subs); offset += r.cfg.GroupSize {
		if ctx.Err() != nil {
			summary.Remaining = len(subs) - offset
			logger.Warn("run cancelled, leaving subscriptions for next run",
				zap.Int("remaining", summary.Remaining),
			)
			break
		}
		if !r.now().Before(deadline) {
			summary.TimedOut = true
			summary.Remaining = len(subs) - offset
			logger.Warn("run budget exhausted, leaving subscriptions for next run",
				zap.Duration("budget", r.cfg.RunBudget),
				zap.Int("remaining", summary.Remaining),
			)
			break
		}

		end := min(offset+r.cfg.GroupSize, len(subs))
		for _, o := range r.processGroup(ctx, logger, runID, startedAt, subs[offset:end]) {
			summary.add(o)
			metrics.RecordOutcome(string(freq), outcomeLabel(o))
		}
	}

	r.finish(ctx, logger, summary)
	return summary, nil
}

func (s *Summary) add(o outcome) {
	s.Processed++
	if o.sent {
		s.NotificationsSent++
	}
	if o.skipped {
		s.Skipped++
	}
	if o.final == StateErrored {
		s.Errors++
	}
}

func outcomeLabel(o outcome) string {
	if o.final == StateErrored {
		return "errored"
	}
	switch o.last {
	case StateNoMatch:
		return "no_match"
	case StateSkipped:
		return "skipped"
	default:
		return "dispatched"
	}
}

// processGroup runs one group concurrently. Each goroutine writes only its
// own slot of the result slice.
func (r *Runner) processGroup(ctx context.Context, logger *zap.Logger, runID uuid.UUID, now time.Time, group []db.Subscription) []outcome {
	emails, dirErr := r.resolveEmails(ctx, group)
	if dirErr != nil {
		logger.Error("recipient lookup failed for group",
			zap.Int("group_size", len(group)),
			zap.Error(dirErr),
		)
	}

	outcomes := make([]outcome, len(group))
	var g errgroup.Group
	for i := range group {
		g.Go(func() error {
			sub := group[i]
			outcomes[i] = r.processSubscription(ctx, logger, runID, now, sub, emails[sub.UserID], dirErr)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (r *Runner) resolveEmails(ctx context.Context, group []db.Subscription) (map[uuid.UUID]string, error) {
	seen := make(map[uuid.UUID]bool, len(group))
	ids := make([]uuid.UUID, 0, len(group))
	for _, sub := range group {
		if !seen[sub.UserID] {
			seen[sub.UserID] = true
			ids = append(ids, sub.UserID)
		}
	}

	lctx, cancel := context.WithTimeout(ctx, r.cfg.RetrievalTimeout)
	defer cancel()

	emails, err := r.deps.Directory.GetEmailsByUserIDs(lctx, ids)
	if err != nil {
		return nil, err
	}
	return emails, nil
}

// processSubscription never panics and never returns an error: whatever
// happens ends up in the outcome.
func (r *Runner) processSubscription(ctx context.Context, logger *zap.Logger, runID uuid.UUID, now time.Time, sub db.Subscription, recipient string, dirErr error) (o outcome) {
	p := newProgress()
	logger = logger.With(zap.String("subscription_id", sub.ID.String()))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("subscription processing panicked",
				zap.Any("panic", rec),
				zap.String("state", p.state.String()),
			)
			p.fail()
		}
		o.final = p.state
		o.last = p.last
	}()

	p.to(StateMatching)
	since := r.deps.Watermarks.EffectiveSince(sub, now)

	rctx, cancel := context.WithTimeout(ctx, r.cfg.RetrievalTimeout)
	matches, err := r.deps.Retriever.FindMatches(rctx, sub.Criteria, since, now, r.cfg.MatchLimit)
	cancel()
	if err != nil {
		logger.Warn("match retrieval failed", zap.Error(err))
		p.fail()
		return o
	}

	if len(matches) == 0 {
		p.to(StateNoMatch)
		if err := r.deps.Watermarks.Commit(ctx, &sub, 0, now); err != nil {
			logger.Error("failed to advance watermark after empty pass", zap.Error(err))
			p.fail()
			return o
		}
		p.to(StateDone)
		return o
	}

	p.to(StateMatched)

	if dirErr != nil {
		p.fail()
		return o
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	receipt, err := r.deps.Dispatcher.Send(dctx, recipient, sub, matches)
	cancel()

	if errors.Is(err, notify.ErrUnknownRecipient) {
		logger.Info("no email on file, skipping", zap.String("user_id", sub.UserID.String()))
		p.to(StateSkipped)
		p.to(StateDone)
		o.skipped = true
		return o
	}

	if err != nil {
		logger.Warn("notification dispatch failed",
			zap.Int("matches", len(matches)),
			zap.Error(err),
		)
		r.appendAudit(ctx, logger, runID, sub, matches, err)
		p.fail()
		return o
	}

	p.to(StateDispatched)
	o.sent = true
	metrics.RecordNotificationSent(string(sub.Frequency))

	var messageID string
	if receipt != nil {
		messageID = receipt.MessageID
	}

	commitErr := r.deps.Watermarks.Commit(ctx, &sub, len(matches), now)
	if commitErr != nil {
		logger.Error("notification sent but watermark not advanced",
			zap.String("message_id", messageID),
			zap.Error(commitErr),
		)
	}
	auditOK := r.appendAudit(ctx, logger, runID, sub, matches, nil)

	if commitErr != nil || !auditOK {
		p.fail()
		return o
	}
	p.to(StateDone)
	return o
}

// appendAudit writes a sent (cause nil) or failed record and reports
// whether the write succeeded.
func (r *Runner) appendAudit(ctx context.Context, logger *zap.Logger, runID uuid.UUID, sub db.Subscription, matches []db.Listing, cause error) bool {
	rec := &db.AuditRecord{
		SubscriptionID: sub.ID,
		RunID:          runID,
		ListingIDs:     db.ListingIDs(matches),
		Status:         db.AuditStatusSent,
	}
	if cause != nil {
		msg := cause.Error()
		rec.Status = db.AuditStatusFailed
		rec.ErrorMessage = &msg
	}

	if err := r.deps.Audit.AppendAudit(ctx, rec); err != nil {
		logger.Error("failed to append audit record",
			zap.String("status", rec.Status),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (r *Runner) finish(ctx context.Context, logger *zap.Logger, s *Summary) {
	s.Duration = r.now().Sub(s.StartedAt)
	s.DurationMs = s.Duration.Milliseconds()

	result := "ok"
	switch {
	case s.Failed():
		result = "failed"
	case s.TimedOut:
		result = "timed_out"
	}
	metrics.RecordRun(string(s.Frequency), result, s.Duration)

	logger.Info("run finished",
		zap.String("result", result),
		zap.Int("processed", s.Processed),
		zap.Int("notifications_sent", s.NotificationsSent),
		zap.Int("errors", s.Errors),
		zap.Int("skipped", s.Skipped),
		zap.Int("remaining", s.Remaining),
		zap.Duration("duration", s.Duration),
	)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReportTimeout)
	defer cancel()
	for _, rep := range r.deps.Reporters {
		if err := rep.Report(rctx, s); err != nil {
			logger.Warn("run reporter failed",
				zap.String("reporter", fmt.Sprintf("%T", rep)),
				zap.Error(err),
			)
		}
	}
}
