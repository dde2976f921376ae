package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/volume-backup/internal/archive"
	"github.com/edvin/volume-backup/internal/config"
	"github.com/edvin/volume-backup/internal/delivery"
	"github.com/edvin/volume-backup/internal/lifecycle"
	"github.com/edvin/volume-backup/internal/metrics"
)

// Collaborator interfaces, narrowed to what a run needs so tests can inject
// fakes and force failures at any stage.
type lifecycleController interface {
	Discover(ctx context.Context) ([]lifecycle.ContainerRef, error)
	StopAll(ctx context.Context, refs []lifecycle.ContainerRef) ([]lifecycle.ContainerRef, []lifecycle.Outcome)
	RestartAll(ctx context.Context, refs []lifecycle.ContainerRef) []lifecycle.Outcome
}

type archiveBuilder interface {
	Build(ctx context.Context, sources []string, dest string) (*archive.Result, error)
}

type deliverer interface {
	Deliver(ctx context.Context, archivePath string) []delivery.Outcome
}

type runReporter interface {
	Report(ctx context.Context, rec *metrics.Record)
}

// Engine executes one backup run at a time: discover -> stop -> archive ->
// restart -> wait -> deliver -> report. Its central obligation is that every
// container it stopped is restarted on every exit path, including archive
// failure, delivery failure, panic, and shutdown.
type Engine struct {
	logger     zerolog.Logger
	cfg        *config.Config
	lifecycle  lifecycleController
	builder    archiveBuilder
	dispatcher deliverer
	reporter   runReporter

	// StagingDir is where archives are built before delivery. Defaults to
	// the OS temp directory.
	StagingDir string
}

// New creates an Engine. The configuration is shared read-only across runs.
func New(logger zerolog.Logger, cfg *config.Config, lc lifecycleController, builder archiveBuilder, dispatcher deliverer, reporter runReporter) *Engine {
	return &Engine{
		logger:     logger.With().Str("component", "engine").Logger(),
		cfg:        cfg,
		lifecycle:  lc,
		builder:    builder,
		dispatcher: dispatcher,
		reporter:   reporter,
		StagingDir: os.TempDir(),
	}
}

// Run executes a single backup run and returns its metrics record. Errors are
// run-scoped: they are folded into the record's status, never propagated, so
// a failed run can never stop the schedule.
func (e *Engine) Run(ctx context.Context) *metrics.Record {
	start := time.Now()
	rec := &metrics.Record{
		RunID:     uuid.NewString(),
		Host:      e.cfg.Hostname,
		StartTime: start,
	}
	logger := e.logger.With().Str("run_id", rec.RunID).Logger()
	logger.Info().Msg("starting backup run")

	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	archiveFailed := false

	refs, err := e.lifecycle.Discover(ctx)
	if err != nil {
		// Discovery failure is non-fatal: the run proceeds without
		// pausing anything, trading consistency for availability.
		logger.Error().Err(err).Msg("container discovery failed")
		recordErr(err)
	}
	rec.ContainersTotal = len(refs)

	var stopped []lifecycle.ContainerRef
	if len(refs) > 0 {
		var outcomes []lifecycle.Outcome
		stopped, outcomes = e.lifecycle.StopAll(ctx, refs)
		rec.ContainersStopped = len(stopped)
		rec.ContainersFailed = lifecycle.Failed(outcomes)
		for _, o := range outcomes {
			recordErr(o.Err)
		}
	}

	// Restart is a release obligation on the exact stopped set, executed at
	// most once. The deferred call covers panics and early returns; the
	// normal path triggers it right after archiving so a slow delivery
	// cannot delay the restart. WithoutCancel keeps a shutdown signal from
	// skipping it.
	restarted := false
	restart := func() {
		if restarted || len(stopped) == 0 {
			return
		}
		restarted = true
		outcomes := e.lifecycle.RestartAll(context.WithoutCancel(ctx), stopped)
		rec.ContainersRestarted = len(stopped) - lifecycle.Failed(outcomes)
		rec.ContainersFailed += lifecycle.Failed(outcomes)
		for _, o := range outcomes {
			recordErr(o.Err)
		}
	}
	defer restart()

	dest := filepath.Join(e.StagingDir, archive.Filename(e.cfg.Filename, start))
	res, archiveErr := e.builder.Build(ctx, e.cfg.Sources, dest)

	restart()

	if archiveErr != nil {
		logger.Error().Err(archiveErr).Msg("archive build failed")
		recordErr(archiveErr)
		archiveFailed = true
	} else {
		rec.ArchiveDuration = res.Elapsed
		rec.SizeCompressedBytes = res.SizeBytes
		rec.SizeUncompressedBytes = res.BytesRead

		// Decouple the resource spike of container startup from the
		// resource spike of the upload.
		if len(stopped) > 0 && e.cfg.WaitDuration > 0 {
			select {
			case <-time.After(e.cfg.WaitDuration):
			case <-ctx.Done():
			}
		}

		deliverStart := time.Now()
		outcomes := e.dispatcher.Deliver(ctx, res.Path)
		rec.DeliveryDuration = time.Since(deliverStart)
		rec.DestinationsAttempted = len(outcomes)
		rec.DestinationsSucceeded = delivery.Succeeded(outcomes)
		for _, o := range outcomes {
			recordErr(o.Err)
		}
		os.Remove(res.Path)
	}

	rec.Duration = time.Since(start)
	rec.Status = status(archiveFailed, rec, firstErr)
	if firstErr != nil {
		rec.FirstError = firstErr.Error()
	}

	e.reporter.Report(ctx, rec)
	return rec
}

func status(archiveFailed bool, rec *metrics.Record, firstErr error) string {
	switch {
	case archiveFailed:
		return metrics.StatusFailure
	case rec.DestinationsSucceeded == 0:
		// Every enabled destination failed; there is at least one,
		// guaranteed by startup validation.
		return metrics.StatusFailure
	case firstErr != nil:
		return metrics.StatusPartialFailure
	default:
		return metrics.StatusSuccess
	}
}
