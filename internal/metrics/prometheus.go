package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the Prometheus series exposed on the optional listener.
type Collectors struct {
	runsTotal         *prometheus.CounterVec
	lastRunDuration   prometheus.Gauge
	lastSizeBytes     prometheus.Gauge
	containersStopped prometheus.Gauge
}

// NewCollectors creates and registers the collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volume_backup_runs_total",
			Help: "Backup runs by terminal status.",
		}, []string{"status"}),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volume_backup_last_run_duration_seconds",
			Help: "Wall-clock duration of the most recent run.",
		}),
		lastSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volume_backup_last_size_bytes",
			Help: "Compressed size of the most recent archive.",
		}),
		containersStopped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volume_backup_containers_stopped",
			Help: "Containers stopped during the most recent run.",
		}),
	}
	reg.MustRegister(c.runsTotal, c.lastRunDuration, c.lastSizeBytes, c.containersStopped)
	return c
}

// Observe folds one run record into the collectors.
func (c *Collectors) Observe(rec *Record) {
	c.runsTotal.WithLabelValues(rec.Status).Inc()
	c.lastRunDuration.Set(rec.Duration.Seconds())
	c.lastSizeBytes.Set(float64(rec.SizeCompressedBytes))
	c.containersStopped.Set(float64(rec.ContainersStopped))
}
