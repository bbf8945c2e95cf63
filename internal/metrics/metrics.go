package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator. A nil *Metrics
// is valid and records nothing, so components can run without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	TurnsTotal     prometheus.Counter

	// Side-effect metrics
	TransfersTotal  *prometheus.CounterVec
	RecordingsTotal *prometheus.CounterVec
	CleanupsTotal   *prometheus.CounterVec

	// Evaluation metrics
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	EscalationsTotal   *prometheus.CounterVec

	// Transport metrics
	WebSocketConnections prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors registered
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "recruitcall"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live call sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Call sessions by how they ended",
		}, []string{"outcome"}),
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Caller turns processed",
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfer attempts by result",
		}, []string{"result"}),
		RecordingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording starts by result",
		}, []string{"result"}),
		CleanupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanups_total",
			Help:      "Cleanup runs by result",
		}, []string{"result"}),
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluated documents by final status",
		}, []string{"status"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Audio evaluation call duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Hot-lead escalations by result",
		}, []string{"result"}),
		WebSocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_connections_active",
			Help:      "Open speech-pipeline WebSocket connections",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"endpoint", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.TurnsTotal,
		m.TransfersTotal,
		m.RecordingsTotal,
		m.CleanupsTotal,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.EscalationsTotal,
		m.WebSocketConnections,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session leaving the registry with its outcome
// (hangup, end_call, transferred, superseded, shutdown)
func (m *Metrics) RecordSessionEnd(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTurn() {
	if m == nil {
		return
	}
	m.TurnsTotal.Inc()
}

func (m *Metrics) RecordTransfer(result string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRecording(result string) {
	if m == nil {
		return
	}
	m.RecordingsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCleanup(result string) {
	if m == nil {
		return
	}
	m.CleanupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordEvaluation(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.EvaluationDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordEscalation(result string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
