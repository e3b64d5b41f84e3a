// Package metrics defines the Prometheus instrumentation for the ASR relay gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the gateway
type Metrics struct {
	// Session lifecycle metrics
	SessionsCreated  prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionsClosed   *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram

	// Relay metrics
	FramesForwarded      prometheus.Counter
	BytesForwarded       prometheus.Counter
	TranscriptsDelivered prometheus.Counter
	RateLimitRejections  prometheus.Counter

	// Backend connection metrics
	BackendDials        prometheus.Counter
	BackendDialFailures prometheus.Counter
	ActiveBackendConns  prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all gateway metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session lifecycle metrics
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_gateway_sessions_created_total",
			Help: "Total number of admitted client sessions",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_gateway_sessions_rejected_total",
			Help: "Total number of rejected connection attempts",
		}, []string{"reason"}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_gateway_sessions_closed_total",
			Help: "Total number of closed sessions",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_gateway_active_sessions",
			Help: "Current number of open client sessions",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_gateway_session_duration_seconds",
			Help:    "Duration of client sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Relay metrics
		FramesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_gateway_audio_frames_forwarded_total",
			Help: "Total number of audio frames forwarded to the backend",
		}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_gateway_audio_bytes_forwarded_total",
			Help: "Total audio payload bytes forwarded to the backend",
		}),
		TranscriptsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_gateway_transcripts_delivered_total",
			Help: "Total number of transcript messages delivered to clients",
		}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_gateway_rate_limit_rejections_total",
			Help: "Total number of audio frames rejected by the rate limiter",
		}),

		// Backend connection metrics
		BackendDials: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_gateway_backend_dials_total",
			Help: "Total number of backend connection attempts",
		}),
		BackendDialFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_gateway_backend_dial_failures_total",
			Help: "Total number of failed backend connection attempts",
		}),
		ActiveBackendConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_gateway_active_backend_connections",
			Help: "Current number of open backend connections",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_gateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_gateway_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the admitted session counter and active gauge
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionRejected increments the rejection counter for the given reason
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordSessionClosed records a closed session with its reason and duration
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrameForwarded records one forwarded audio frame
func (m *Metrics) RecordFrameForwarded(sizeBytes int) {
	m.FramesForwarded.Inc()
	m.BytesForwarded.Add(float64(sizeBytes))
}

// RecordTranscriptDelivered increments the transcript delivery counter
func (m *Metrics) RecordTranscriptDelivered() {
	m.TranscriptsDelivered.Inc()
}

// RecordRateLimitRejection increments the rate limiter rejection counter
func (m *Metrics) RecordRateLimitRejection() {
	m.RateLimitRejections.Inc()
}

// RecordBackendDial records a backend connection attempt
func (m *Metrics) RecordBackendDial(success bool) {
	m.BackendDials.Inc()
	if success {
		m.ActiveBackendConns.Inc()
	} else {
		m.BackendDialFailures.Inc()
	}
}

// RecordBackendClosed decrements the active backend connection gauge
func (m *Metrics) RecordBackendClosed() {
	m.ActiveBackendConns.Dec()
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
