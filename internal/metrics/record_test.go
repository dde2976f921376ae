package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/volume-backup/internal/config"
)

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.points = append(f.points, points...)
	return f.err
}

func sampleRecord() *Record {
	return &Record{
		RunID:                 "0c0ffee0-0000-4000-8000-000000000001",
		Host:                  "db-host",
		Status:                StatusPartialFailure,
		StartTime:             time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC),
		Duration:              90 * time.Second,
		ArchiveDuration:       30 * time.Second,
		SizeCompressedBytes:   1024,
		SizeUncompressedBytes: 4096,
		ContainersTotal:       2,
		ContainersStopped:     2,
		ContainersRestarted:   2,
		DestinationsAttempted: 2,
		DestinationsSucceeded: 1,
		FirstError:            "put object backups/x: access denied",
	}
}

func TestReport_AlwaysLogsRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := NewReporter(logger, config.InfluxDBConfig{}, nil)
	r.Report(context.Background(), sampleRecord())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "partial-failure", entry["status"])
	assert.Equal(t, float64(1024), entry["size_compressed_bytes"])
	assert.Equal(t, float64(2), entry["containers_stopped"])
	assert.Equal(t, float64(1), entry["destinations_succeeded"])
	assert.Equal(t, "put object backups/x: access denied", entry["first_error"])
}

func TestReport_PushesOnePoint(t *testing.T) {
	w := &fakeWriter{}
	r := &Reporter{logger: zerolog.Nop(), writer: w, measurement: "volume_backup"}

	r.Report(context.Background(), sampleRecord())

	require.Len(t, w.points, 1)
	assert.Equal(t, "volume_backup", w.points[0].Name())
	assert.Equal(t, time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC), w.points[0].Time())
}

func TestReport_PushFailureIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := &Reporter{logger: logger, writer: &fakeWriter{err: errors.New("influx down")}, measurement: "m"}

	// Must not panic or surface the error; it only shows up in the log.
	r.Report(context.Background(), sampleRecord())
	assert.Contains(t, buf.String(), "failed to push metrics point")
}

func TestCollectors_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	c.Observe(sampleRecord())
	c.Observe(sampleRecord())

	assert.Equal(t, float64(2), testutil.ToFloat64(c.runsTotal.WithLabelValues(StatusPartialFailure)))
	assert.Equal(t, float64(90), testutil.ToFloat64(c.lastRunDuration))
	assert.Equal(t, float64(1024), testutil.ToFloat64(c.lastSizeBytes))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.containersStopped))
}

func TestServer_Healthz(t *testing.T) {
	srv := NewServer(":0", prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
