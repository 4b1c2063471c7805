package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for pdbgate.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Job metrics.
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	JobsRunning prometheus.Gauge

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Security metrics.
	ValidationRejectionsTotal *prometheus.CounterVec

	// Preprocessing and workspace metrics.
	PreprocessTotal    *prometheus.CounterVec
	UploadBytes        prometheus.Histogram
	WorkspaceReclaimed prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdbgate",
			Subsystem: "job",
			Name:      "total",
			Help:      "Total jobs by command and final status.",
		}, []string{"command", "status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pdbgate",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "End-to-end job duration in seconds, including queueing on the execution gate.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"command"}),

		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pdbgate",
			Subsystem: "job",
			Name:      "running",
			Help:      "Jobs currently holding an execution slot.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdbgate",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total engine executions by backend and outcome.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pdbgate",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Engine execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"type"}),

		ValidationRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdbgate",
			Subsystem: "security",
			Name:      "rejections_total",
			Help:      "Argument vectors rejected by the validator, by violation kind.",
		}, []string{"kind"}),

		PreprocessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdbgate",
			Subsystem: "preprocess",
			Name:      "files_total",
			Help:      "Input structures seen by the preprocessor, by result.",
		}, []string{"result"}),

		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pdbgate",
			Subsystem: "http",
			Name:      "upload_bytes",
			Help:      "Size of accepted structure uploads.",
			Buckets:   prometheus.ExponentialBuckets(4<<10, 4, 8),
		}),

		WorkspaceReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pdbgate",
			Subsystem: "workspace",
			Name:      "reclaimed_bytes_total",
			Help:      "Bytes reclaimed by the workspace janitor.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdbgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pdbgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pdbgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.JobsRunning,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ValidationRejectionsTotal,
		m.PreprocessTotal,
		m.UploadBytes,
		m.WorkspaceReclaimed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordJob counts a finished job. Nil-safe.
func (m *MetricsCollector) RecordJob(command, status string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(command, status).Inc()
	m.JobDuration.WithLabelValues(command).Observe(seconds)
}

// RecordRejection counts a validation failure. Nil-safe.
func (m *MetricsCollector) RecordRejection(kind string) {
	if m == nil {
		return
	}
	m.ValidationRejectionsTotal.WithLabelValues(kind).Inc()
}

// RecordPreprocess counts one preprocessor decision. Nil-safe.
func (m *MetricsCollector) RecordPreprocess(cleaned bool) {
	if m == nil {
		return
	}
	result := "unchanged"
	if cleaned {
		result = "cleaned"
	}
	m.PreprocessTotal.WithLabelValues(result).Inc()
}

// JobStarted and JobFinished track slot occupancy. Nil-safe.
func (m *MetricsCollector) JobStarted() {
	if m != nil {
		m.JobsRunning.Inc()
	}
}

func (m *MetricsCollector) JobFinished() {
	if m != nil {
		m.JobsRunning.Dec()
	}
}

// RecordReclaimed adds bytes freed by a janitor sweep. Nil-safe.
func (m *MetricsCollector) RecordReclaimed(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.WorkspaceReclaimed.Add(float64(bytes))
}
