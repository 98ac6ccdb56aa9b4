// Package scheduler fires batch runs for each frequency tier on a cron
// schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/db"
	"github.com/lalithlochan/alerter/internal/runner"
)

// Trigger starts a batch run.
type Trigger interface {
	Run(ctx context.Context, freq db.Frequency) (*runner.Summary, error)
}

// Scheduler wraps robfig/cron. Ticks that land while the previous run of the
// same tier is still going are skipped.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	logger  *zap.Logger
	ctx     context.Context
}

// New creates a Scheduler. Runs it starts inherit ctx.
func New(ctx context.Context, trigger Trigger, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		trigger: trigger,
		logger:  logger,
		ctx:     ctx,
	}
}

// Add registers a tier under a cron spec such as "@every 5m" or "0 7 * * *".
func (s *Scheduler) Add(freq db.Frequency, spec string) error {
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})).
		Then(cron.FuncJob(func() { s.fire(freq) }))
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("schedule %s %q: %w", freq, spec, err)
	}
	s.logger.Info("run scheduled",
		zap.String("frequency", string(freq)),
		zap.String("spec", spec),
	)
	return nil
}

// Start begins firing scheduled runs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop prevents new runs and returns a context that is done once the runs
// in flight return.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("scheduler stopped")
	return ctx
}

func (s *Scheduler) fire(freq db.Frequency) {
	summary, err := s.trigger.Run(s.ctx, freq)
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		s.logger.Info("scheduled run skipped, tier busy", zap.String("frequency", string(freq)))
	case err != nil:
		s.logger.Error("scheduled run failed",
			zap.String("frequency", string(freq)),
			zap.Error(err),
		)
	default:
		s.logger.Debug("scheduled run finished",
			zap.String("frequency", string(freq)),
			zap.String("run_id", summary.RunID.String()),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
