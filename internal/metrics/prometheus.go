package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture agent.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	RecordingsStarted  prometheus.Counter
	RecordingsStopped  *prometheus.CounterVec
	PermissionRequests *prometheus.CounterVec
	ActiveRecordings   prometheus.Gauge
	ChunksCaptured     prometheus.Counter
	ChunkSize          prometheus.Histogram
	ArtifactSize       prometheus.Histogram
	RecordingDuration  prometheus.Histogram
	CaptureErrors      *prometheus.CounterVec

	// Upload metrics
	UploadRequests  *prometheus.CounterVec
	UploadSuccesses *prometheus.CounterVec
	UploadFailures  *prometheus.CounterVec
	UploadDuration  prometheus.Histogram
	UploadBytes     prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		RecordingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "consult_recordings_started_total",
			Help: "Total number of recordings started",
		}),
		RecordingsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_recordings_stopped_total",
			Help: "Total number of recordings stopped, by reason",
		}, []string{"reason"}),
		PermissionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_permission_requests_total",
			Help: "Total number of microphone access requests, by outcome",
		}, []string{"outcome"}),
		ActiveRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consult_active_recordings",
			Help: "Current number of recordings holding the microphone",
		}),
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "consult_chunks_captured_total",
			Help: "Total number of non-empty audio chunks buffered",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_chunk_size_bytes",
			Help:    "Size of buffered audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~16MB
		}),
		ArtifactSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_artifact_size_bytes",
			Help:    "Size of finalized recordings in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 14), // 16KB to ~256MB
		}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_recording_duration_seconds",
			Help:    "Recorded time of finalized recordings, pauses excluded",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~42 minutes
		}),
		CaptureErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_capture_errors_total",
			Help: "Total number of capture errors surfaced to the caller, by kind",
		}, []string{"kind"}),

		// Upload metrics
		UploadRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_upload_requests_total",
			Help: "Total number of upload attempts, by target kind",
		}, []string{"target"}),
		UploadSuccesses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_upload_successes_total",
			Help: "Total number of successful uploads, by target kind",
		}, []string{"target"}),
		UploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_upload_failures_total",
			Help: "Total number of failed uploads, by target kind and reason",
		}, []string{"target", "reason"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_upload_duration_seconds",
			Help:    "Duration of upload requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3 minutes
		}),
		UploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_upload_bytes",
			Help:    "Size of uploaded artifacts in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 14),
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consult_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordRecordingStarted counts a started recording and marks it active
func (m *Metrics) RecordRecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
	m.ActiveRecordings.Inc()
}

// RecordRecordingStopped counts a stopped recording by reason
// (caller, auto_stop, device, teardown)
func (m *Metrics) RecordRecordingStopped(reason string) {
	if m == nil {
		return
	}
	m.RecordingsStopped.WithLabelValues(reason).Inc()
	m.ActiveRecordings.Dec()
}

// RecordPermission records the outcome of a microphone access request
func (m *Metrics) RecordPermission(outcome string) {
	if m == nil {
		return
	}
	m.PermissionRequests.WithLabelValues(outcome).Inc()
}

// RecordChunk records a buffered audio chunk
func (m *Metrics) RecordChunk(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksCaptured.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordArtifact records a finalized recording
func (m *Metrics) RecordArtifact(sizeBytes int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ArtifactSize.Observe(float64(sizeBytes))
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordCaptureError counts a caller-visible capture error
func (m *Metrics) RecordCaptureError(kind string) {
	if m == nil {
		return
	}
	m.CaptureErrors.WithLabelValues(kind).Inc()
}

// RecordUploadRequest increments upload attempts for the target kind
func (m *Metrics) RecordUploadRequest(target string) {
	if m == nil {
		return
	}
	m.UploadRequests.WithLabelValues(target).Inc()
}

// RecordUploadSuccess records a successful upload
func (m *Metrics) RecordUploadSuccess(target string, durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.UploadSuccesses.WithLabelValues(target).Inc()
	m.UploadDuration.Observe(durationSeconds)
	m.UploadBytes.Observe(float64(sizeBytes))
}

// RecordUploadFailure records a failed upload
func (m *Metrics) RecordUploadFailure(target, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadFailures.WithLabelValues(target, reason).Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
