package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the call stream service
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsAdmitted  prometheus.Counter
	SessionsRejected  *prometheus.CounterVec
	SessionsTornDown  *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	ChunksReceived    prometheus.Counter
	ChunkBytes        prometheus.Histogram
	BackpressureFlips *prometheus.CounterVec
	ChunksDropped     prometheus.Counter

	// Worker pool metrics
	JobsDispatched *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	LateReplies    prometheus.Counter
	PendingJobs    prometheus.Gauge

	// Circuit breaker metrics
	BreakerState      *prometheus.GaugeVec
	BreakerRejections *prometheus.CounterVec
	DegradedResults   prometheus.Counter

	// Segmentation metrics
	SegmentsGenerated prometheus.Counter
	SegmentDuration   prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Passing nil
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callstream_active_sessions",
			Help: "Current number of live stream sessions",
		}),
		SessionsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_sessions_admitted_total",
			Help: "Total number of stream sessions admitted",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_sessions_rejected_total",
			Help: "Total number of stream connections refused at admission",
		}, []string{"reason"}),
		SessionsTornDown: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_sessions_torn_down_total",
			Help: "Total number of stream sessions torn down",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_session_duration_seconds",
			Help:    "Lifetime of stream sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_chunks_received_total",
			Help: "Total number of binary audio chunks received",
		}),
		ChunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_chunk_size_bytes",
			Help:    "Size of received audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10), // 256B to 128KB
		}),
		BackpressureFlips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_backpressure_signals_total",
			Help: "Total number of backpressure signals sent to clients",
		}, []string{"state"}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_chunks_dropped_total",
			Help: "Total number of chunks dropped past the hard pending limit",
		}),

		JobsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers",
		}, []string{"operation"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_jobs_completed_total",
			Help: "Total number of jobs finished by outcome",
		}, []string{"operation", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callstream_job_duration_seconds",
			Help:    "Time from dispatch to reply for worker jobs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"operation"}),
		LateReplies: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_late_replies_total",
			Help: "Total number of worker replies discarded after their job timed out",
		}),
		PendingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callstream_pending_jobs",
			Help: "Current number of jobs awaiting a worker reply",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callstream_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
		BreakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_circuit_breaker_rejections_total",
			Help: "Total number of requests rejected by an open breaker",
		}, []string{"breaker"}),
		DegradedResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_degraded_results_total",
			Help: "Total number of fallback results returned",
		}),

		SegmentsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_segments_generated_total",
			Help: "Total number of speech segments cut from streams",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_segment_duration_seconds",
			Help:    "Duration of speech segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "callstream_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callstream_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of live sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionAdmitted increments the admitted counter
func (m *Metrics) RecordSessionAdmitted() {
	m.SessionsAdmitted.Inc()
}

// RecordSessionRejected counts a refused connection by reason
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordSessionTornDown records a teardown and the session lifetime
func (m *Metrics) RecordSessionTornDown(reason string, durationSeconds float64) {
	m.SessionsTornDown.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunk records one received binary chunk
func (m *Metrics) RecordChunk(sizeBytes int) {
	m.ChunksReceived.Inc()
	m.ChunkBytes.Observe(float64(sizeBytes))
}

// RecordBackpressure counts a pause or resume signal
func (m *Metrics) RecordBackpressure(state string) {
	m.BackpressureFlips.WithLabelValues(state).Inc()
}

// RecordChunkDropped counts a chunk dropped past the hard limit
func (m *Metrics) RecordChunkDropped() {
	m.ChunksDropped.Inc()
}

// RecordJobDispatched counts a job handed to a worker
func (m *Metrics) RecordJobDispatched(operation string) {
	m.JobsDispatched.WithLabelValues(operation).Inc()
	m.PendingJobs.Inc()
}

// RecordJobFinished records a job outcome and its latency
func (m *Metrics) RecordJobFinished(operation, outcome string, durationSeconds float64) {
	m.JobsCompleted.WithLabelValues(operation, outcome).Inc()
	m.JobDuration.WithLabelValues(operation).Observe(durationSeconds)
	m.PendingJobs.Dec()
}

// RecordLateReply counts a reply that arrived after its job timed out
func (m *Metrics) RecordLateReply() {
	m.LateReplies.Inc()
}

// SetBreakerState publishes a breaker state as 0, 1 or 2
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerRejection counts a request refused by an open breaker
func (m *Metrics) RecordBreakerRejection(name string) {
	m.BreakerRejections.WithLabelValues(name).Inc()
}

// RecordDegraded counts a fallback result
func (m *Metrics) RecordDegraded() {
	m.DegradedResults.Inc()
}

// RecordSegment records a speech segment cut from a stream
func (m *Metrics) RecordSegment(durationSeconds float64) {
	m.SegmentsGenerated.Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
