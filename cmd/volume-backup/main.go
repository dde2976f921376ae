package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/volume-backup/internal/archive"
	"github.com/edvin/volume-backup/internal/config"
	"github.com/edvin/volume-backup/internal/delivery"
	"github.com/edvin/volume-backup/internal/engine"
	"github.com/edvin/volume-backup/internal/lifecycle"
	"github.com/edvin/volume-backup/internal/logging"
	"github.com/edvin/volume-backup/internal/metrics"
	"github.com/edvin/volume-backup/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.NewLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	controller, err := lifecycle.Connect(logger, cfg.StopLabel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to container runtime")
	}

	var collectors *metrics.Collectors
	if cfg.MetricsListenAddr != "" {
		registry := prometheus.NewRegistry()
		collectors = metrics.NewCollectors(registry)
		srv := metrics.NewServer(cfg.MetricsListenAddr, registry)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("serving metrics")
	}

	reporter := metrics.NewReporter(logger, cfg.InfluxDB, collectors)
	defer reporter.Close()

	var destinations []delivery.Destination
	if cfg.ArchiveDir != "" {
		destinations = append(destinations, delivery.NewLocalDestination(cfg.ArchiveDir))
	}
	if cfg.S3.Enabled() {
		destinations = append(destinations, delivery.NewS3Destination(cfg.S3))
	}
	dispatcher := delivery.NewDispatcher(logger, destinations...)

	eng := engine.New(logger, cfg, controller, archive.NewBuilder(logger), dispatcher, reporter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Strs("sources", cfg.Sources).
		Str("schedule", cfg.CronExpression).
		Bool("local_delivery", cfg.ArchiveDir != "").
		Bool("s3_delivery", cfg.S3.Enabled()).
		Bool("metrics_push", cfg.InfluxDB.Enabled()).
		Msg("starting backup agent")

	if err := schedule.New(logger).Run(ctx, cfg.CronExpression, func() {
		eng.Run(ctx)
	}); err != nil {
		logger.Fatal().Err(err).Msg("scheduler failed")
	}

	logger.Info().Msg("shutdown complete")
}
