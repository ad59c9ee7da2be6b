package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice origin service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Frame metrics
	FramesProcessed prometheus.Counter
	FramesActive    prometheus.Counter
	CaptureErrors   prometheus.Counter

	// Network ingress metrics
	UDPPackets     *prometheus.CounterVec
	UDPPacketsLost prometheus.Counter

	// Segment metrics
	SegmentsEmitted prometheus.Counter
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram

	// Classification metrics
	ClassificationRequests  prometheus.Counter
	ClassificationSuccesses prometheus.Counter
	ClassificationFailures  *prometheus.CounterVec
	ClassificationDuration  prometheus.Histogram
	ClassificationRetries   prometheus.Counter
	ClassificationsInFlight prometheus.Gauge
	ResultsByClass          *prometheus.CounterVec
	LateResultsRejected     prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsStopped   prometheus.Counter
	SessionDuration   prometheus.Histogram
	VerdictsByOutcome *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
	EventSubscribers    prometheus.Gauge
}

// NewMetrics creates all Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Frame metrics
		FramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_processed_total",
			Help: "Total number of audio frames classified by the VAD",
		}),
		FramesActive: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_active_total",
			Help: "Total number of audio frames classified as active speech",
		}),
		CaptureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_errors_total",
			Help: "Total number of capture failures that ended a session",
		}),

		// Network ingress metrics
		UDPPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_udp_packets_total",
			Help: "UDP packets received by the network frame source by handling result",
		}, []string{"result"}),
		UDPPacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_udp_packets_lost_total",
			Help: "Audio packets never received and replaced with silence or skipped",
		}),

		// Segment metrics
		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_segments_emitted_total",
			Help: "Total number of speech segments emitted",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_segment_duration_seconds",
			Help:    "Duration of emitted speech segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_segment_size_bytes",
			Help:    "Size of emitted speech segments in bytes",
			Buckets: prometheus.ExponentialBuckets(16384, 2, 10), // 16KB to ~8MB
		}),

		// Classification metrics
		ClassificationRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_classification_requests_total",
			Help: "Total number of segments submitted for classification",
		}),
		ClassificationSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_classification_successes_total",
			Help: "Total number of successful classifications",
		}),
		ClassificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_classification_failures_total",
			Help: "Total number of failed classifications",
		}, []string{"kind"}),
		ClassificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_classification_duration_seconds",
			Help:    "Duration of classification calls including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		ClassificationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_classification_retries_total",
			Help: "Total number of classification request retries",
		}),
		ClassificationsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_classifications_in_flight",
			Help: "Current number of classification calls awaiting a response",
		}),
		ResultsByClass: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_results_total",
			Help: "Classification results appended to session history by class",
		}, []string{"class"}),
		LateResultsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_late_results_rejected_total",
			Help: "Classification outcomes that arrived after the session was finalized",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Whether a capture session is currently active",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_stopped_total",
			Help: "Total number of sessions stopped",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		VerdictsByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_verdicts_total",
			Help: "Final session verdicts by outcome",
		}, []string{"verdict"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_event_subscribers",
			Help: "Current number of connected session event subscribers",
		}),
	}
}

// RecordFrame increments the frame counters
func (m *Metrics) RecordFrame(active bool) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	if active {
		m.FramesActive.Inc()
	}
}

// RecordCaptureError increments the capture error counter
func (m *Metrics) RecordCaptureError() {
	if m == nil {
		return
	}
	m.CaptureErrors.Inc()
}

// RecordSegmentEmitted records an emitted speech segment
func (m *Metrics) RecordSegmentEmitted(durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
}

// RecordClassificationRequest increments the requests counter and the in-flight gauge
func (m *Metrics) RecordClassificationRequest() {
	if m == nil {
		return
	}
	m.ClassificationRequests.Inc()
	m.ClassificationsInFlight.Inc()
}

// RecordClassificationSuccess records a successful classification
func (m *Metrics) RecordClassificationSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClassificationsInFlight.Dec()
	m.ClassificationSuccesses.Inc()
	m.ClassificationDuration.Observe(durationSeconds)
}

// RecordClassificationFailure records a failed classification of the given error kind
func (m *Metrics) RecordClassificationFailure(kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClassificationsInFlight.Dec()
	m.ClassificationFailures.WithLabelValues(kind).Inc()
	m.ClassificationDuration.Observe(durationSeconds)
}

// RecordClassificationRetry increments the retry counter
func (m *Metrics) RecordClassificationRetry() {
	if m == nil {
		return
	}
	m.ClassificationRetries.Inc()
}

// RecordResult counts a result appended to history
func (m *Metrics) RecordResult(class string) {
	if m == nil {
		return
	}
	m.ResultsByClass.WithLabelValues(class).Inc()
}

// RecordLateResult counts an outcome rejected after finalization
func (m *Metrics) RecordLateResult() {
	if m == nil {
		return
	}
	m.LateResultsRejected.Inc()
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Set(1)
}

// RecordSessionStopped records the end of a session and its verdict
func (m *Metrics) RecordSessionStopped(durationSeconds float64, verdict string) {
	if m == nil {
		return
	}
	m.SessionsStopped.Inc()
	m.ActiveSessions.Set(0)
	m.SessionDuration.Observe(durationSeconds)
	m.VerdictsByOutcome.WithLabelValues(verdict).Inc()
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

// SetEventSubscribers sets the number of connected event subscribers
func (m *Metrics) SetEventSubscribers(count int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Set(float64(count))
}

// RecordUDPPacket records one received UDP packet by result
// (accepted, invalid, foreign, duplicate or dropped)
func (m *Metrics) RecordUDPPacket(result string) {
	if m == nil {
		return
	}
	m.UDPPackets.WithLabelValues(result).Inc()
}

// RecordUDPPacketsLost records audio packets detected as lost
func (m *Metrics) RecordUDPPacketsLost(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.UDPPacketsLost.Add(float64(count))
}
