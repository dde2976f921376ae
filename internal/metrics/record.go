package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/edvin/volume-backup/internal/config"
)

// Run status values carried on every record.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial-failure"
	StatusFailure        = "failure"
)

// Record is the flat per-run metrics record. It is always logged; if an
// InfluxDB target is configured it is additionally pushed as one point.
type Record struct {
	RunID     string
	Host      string
	Status    string
	StartTime time.Time

	Duration         time.Duration
	ArchiveDuration  time.Duration
	DeliveryDuration time.Duration

	SizeCompressedBytes   int64
	SizeUncompressedBytes int64

	ContainersTotal     int
	ContainersStopped   int
	ContainersRestarted int
	ContainersFailed    int

	DestinationsAttempted int
	DestinationsSucceeded int

	FirstError string
}

// influxWriter is the slice of the InfluxDB client used for pushing.
type influxWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

var _ influxWriter = (api.WriteAPIBlocking)(nil)

// Reporter emits one Record per run: unconditionally to the log, best-effort
// to InfluxDB, and into the Prometheus collectors when serving is enabled.
type Reporter struct {
	logger      zerolog.Logger
	writer      influxWriter
	client      influxdb2.Client
	measurement string
	collectors  *Collectors
}

// NewReporter creates a Reporter. The InfluxDB client is only constructed
// when pushing is configured; collectors may be nil when the Prometheus
// listener is disabled.
func NewReporter(logger zerolog.Logger, cfg config.InfluxDBConfig, collectors *Collectors) *Reporter {
	r := &Reporter{
		logger:      logger.With().Str("component", "metrics").Logger(),
		measurement: cfg.Measurement,
		collectors:  collectors,
	}
	if cfg.Enabled() {
		// 1.x compatibility: token is user:password, bucket is the
		// database name, org is ignored.
		r.client = influxdb2.NewClient(cfg.URL, fmt.Sprintf("%s:%s", cfg.Username, cfg.Password))
		r.writer = r.client.WriteAPIBlocking("", cfg.Database)
	}
	return r
}

// Close releases the InfluxDB client, if any.
func (r *Reporter) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// Report emits the record. A failed push is logged and never retried; it does
// not change the run's status and is not surfaced to the caller.
func (r *Reporter) Report(ctx context.Context, rec *Record) {
	r.logger.Info().
		Str("run_id", rec.RunID).
		Str("host", rec.Host).
		Str("status", rec.Status).
		Dur("duration", rec.Duration).
		Dur("archive_duration", rec.ArchiveDuration).
		Dur("delivery_duration", rec.DeliveryDuration).
		Int64("size_compressed_bytes", rec.SizeCompressedBytes).
		Int64("size_uncompressed_bytes", rec.SizeUncompressedBytes).
		Int("containers_total", rec.ContainersTotal).
		Int("containers_stopped", rec.ContainersStopped).
		Int("containers_restarted", rec.ContainersRestarted).
		Int("containers_failed", rec.ContainersFailed).
		Int("destinations_attempted", rec.DestinationsAttempted).
		Int("destinations_succeeded", rec.DestinationsSucceeded).
		Str("first_error", rec.FirstError).
		Msg("backup run finished")

	if r.collectors != nil {
		r.collectors.Observe(rec)
	}

	if r.writer == nil {
		return
	}
	point := influxdb2.NewPoint(
		r.measurement,
		map[string]string{"host": rec.Host},
		map[string]interface{}{
			"status":                  rec.Status,
			"duration_seconds":        rec.Duration.Seconds(),
			"archive_seconds":         rec.ArchiveDuration.Seconds(),
			"delivery_seconds":        rec.DeliveryDuration.Seconds(),
			"size_compressed_bytes":   rec.SizeCompressedBytes,
			"size_uncompressed_bytes": rec.SizeUncompressedBytes,
			"containers_total":        rec.ContainersTotal,
			"containers_stopped":      rec.ContainersStopped,
			"containers_restarted":    rec.ContainersRestarted,
			"containers_failed":       rec.ContainersFailed,
			"destinations_attempted":  rec.DestinationsAttempted,
			"destinations_succeeded":  rec.DestinationsSucceeded,
			"first_error":             rec.FirstError,
		},
		rec.StartTime,
	)
	if err := r.writer.WritePoint(ctx, point); err != nil {
		r.logger.Error().Err(err).Msg("failed to push metrics point")
	}
}
