package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and histograms for the transcription gateway.
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	errorsTotal              prometheus.Counter
	requestDuration          *prometheus.HistogramVec
	segmentsTranscribedTotal prometheus.Counter
	suspiciousSegmentsTotal  prometheus.Counter
	providerAttemptsTotal    *prometheus.CounterVec
	providerLatency          prometheus.Histogram
	transcodesTotal          *prometheus.CounterVec
	summariesTotal           *prometheus.CounterVec
	replayedSegmentsTotal    prometheus.Counter
	activeSessions           prometheus.Gauge
}

// Outcome labels for provider attempts.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transcriber_request_duration_seconds",
		Help:    "HTTP request latency by route and status class",
		Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"route", "status"})
	segmentsTranscribedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_segments_transcribed_total",
		Help: "Total number of segments successfully turned into text",
	})
	suspiciousSegmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_suspicious_segments_total",
		Help: "Segments accepted despite being under the minimum payload size",
	})
	providerAttemptsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_provider_attempts_total",
		Help: "Transcription provider calls by outcome",
	}, []string{"outcome"})
	providerLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_provider_latency_seconds",
		Help:    "Latency of a single transcription provider call",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
	})
	transcodesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_transcodes_total",
		Help: "Decode-failure transcoding fallbacks by result",
	}, []string{"result"})
	summariesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_summaries_total",
		Help: "Summary requests by result",
	}, []string{"result"})

	replayedSegmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_replayed_segments_total",
		Help: "Repeated transcribe requests answered from recent results without a provider call",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_active_sessions",
		Help: "Recording sessions with recent results held by the gateway",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		requestDuration,
		segmentsTranscribedTotal,
		suspiciousSegmentsTotal,
		providerAttemptsTotal,
		providerLatency,
		transcodesTotal,
		summariesTotal,
		replayedSegmentsTotal,
		activeSessions,
	)

	return &Metrics{
		registry:                 registry,
		requestsTotal:            requestsTotal,
		errorsTotal:              errorsTotal,
		requestDuration:          requestDuration,
		segmentsTranscribedTotal: segmentsTranscribedTotal,
		suspiciousSegmentsTotal:  suspiciousSegmentsTotal,
		providerAttemptsTotal:    providerAttemptsTotal,
		providerLatency:          providerLatency,
		transcodesTotal:          transcodesTotal,
		summariesTotal:           summariesTotal,
		replayedSegmentsTotal:    replayedSegmentsTotal,
		activeSessions:           activeSessions,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRequest records the latency of one HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(route, statusClass(status)).Observe(d.Seconds())
}

// IncSegmentsTranscribed increments the transcribed segments counter.
func (m *Metrics) IncSegmentsTranscribed() {
	m.segmentsTranscribedTotal.Inc()
}

// IncSuspiciousSegments increments the undersized segments counter.
func (m *Metrics) IncSuspiciousSegments() {
	m.suspiciousSegmentsTotal.Inc()
}

// ObserveProviderAttempt records one provider call and its outcome.
func (m *Metrics) ObserveProviderAttempt(outcome string, d time.Duration) {
	m.providerAttemptsTotal.WithLabelValues(outcome).Inc()
	m.providerLatency.Observe(d.Seconds())
}

// IncTranscodes records a transcoding fallback; ok is false when the
// transcoder failed or was unavailable.
func (m *Metrics) IncTranscodes(ok bool) {
	m.transcodesTotal.WithLabelValues(result(ok)).Inc()
}

// IncSummaries records a summary request.
func (m *Metrics) IncSummaries(ok bool) {
	m.summariesTotal.WithLabelValues(result(ok)).Inc()
}

// IncReplayedSegments counts a transcribe request served from recent results.
func (m *Metrics) IncReplayedSegments() {
	m.replayedSegmentsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
