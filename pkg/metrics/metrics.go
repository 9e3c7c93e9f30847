package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Telemetry metrics
	CPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protekt_cpu_percent",
			Help: "Most recently sampled CPU utilization percentage",
		},
	)

	MemoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protekt_memory_percent",
			Help: "Most recently sampled memory utilization percentage",
		},
	)

	DiskPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protekt_disk_percent",
			Help: "Most recently sampled max disk partition utilization percentage",
		},
	)

	ProcessesCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protekt_processes_count",
			Help: "Most recently sampled running process count",
		},
	)

	// Security event metrics
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protekt_security_events_total",
			Help: "Total security events recorded by type and severity",
		},
		[]string{"event_type", "severity"},
	)

	UnresolvedSecurityEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protekt_security_events_unresolved",
			Help: "Current count of unresolved security events in the last hour window",
		},
	)

	// Command metrics
	CommandsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protekt_commands_executed_total",
			Help: "Total commands dispatched by type and outcome",
		},
		[]string{"command_type", "status"},
	)

	// Backup metrics
	BackupsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "protekt_backups_created_total",
			Help: "Total backup archives created",
		},
	)

	BackupsUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "protekt_backups_uploaded_total",
			Help: "Total backup archives successfully uploaded",
		},
	)

	BackupSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "protekt_backup_size_bytes",
			Help:    "Size distribution of created backup archives",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 12), // 1MiB .. ~2GiB
		},
	)

	// Queue/sync metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "protekt_queue_depth",
			Help: "Pending queue item count by status",
		},
		[]string{"status"},
	)

	SyncDrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protekt_sync_drains_total",
			Help: "Total sync drain cycles by outcome",
		},
		[]string{"outcome"},
	)

	BackendHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protekt_backend_healthy",
			Help: "Whether the last backend liveness probe succeeded (1) or not (0)",
		},
	)

	// Alert metrics
	AlertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protekt_alerts_sent_total",
			Help: "Total alerts dispatched by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// Anomaly metrics
	AnomalyScoreLast = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protekt_anomaly_score_last",
			Help: "Decision score of the most recent anomaly scoring pass",
		},
	)
)

func init() {
	prometheus.MustRegister(CPUPercent)
	prometheus.MustRegister(MemoryPercent)
	prometheus.MustRegister(DiskPercent)
	prometheus.MustRegister(ProcessesCount)
	prometheus.MustRegister(SecurityEventsTotal)
	prometheus.MustRegister(UnresolvedSecurityEvents)
	prometheus.MustRegister(CommandsExecutedTotal)
	prometheus.MustRegister(BackupsCreatedTotal)
	prometheus.MustRegister(BackupsUploadedTotal)
	prometheus.MustRegister(BackupSizeBytes)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SyncDrainsTotal)
	prometheus.MustRegister(BackendHealthy)
	prometheus.MustRegister(AlertsSentTotal)
	prometheus.MustRegister(AnomalyScoreLast)
}

// Handler returns the Prometheus HTTP handler for the debug/metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
