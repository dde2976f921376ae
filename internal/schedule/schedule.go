package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler fires a callback at each occurrence of a recurring expression in
// the host's local time zone. Occurrences that arrive while a prior
// invocation is still running are skipped, never queued, so runs never
// overlap.
type Scheduler struct {
	logger zerolog.Logger
	cron   *cron.Cron
}

// New creates a Scheduler.
func New(logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "schedule").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Run schedules the job under the given expression and blocks until ctx is
// cancelled. On cancellation it stops accepting occurrences and waits for an
// in-flight invocation to finish before returning, so a mid-run shutdown
// cannot cut a run short of its restart obligation. A malformed expression is
// reported immediately, before anything is scheduled.
func (s *Scheduler) Run(ctx context.Context, expression string, job func()) error {
	id, err := s.cron.AddFunc(expression, job)
	if err != nil {
		return fmt.Errorf("invalid schedule expression %q: %w", expression, err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("expression", expression).
		Time("next_run", s.cron.Entry(id).Next).
		Msg("schedule started")

	<-ctx.Done()

	s.logger.Info().Msg("shutting down, waiting for in-flight run")
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger adapts the cron logging interface onto zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
