package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects presence and delivery metrics.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.Admission("accepted")
//	metrics.EventSent("typing", "ok")
type Metrics struct {
	// ActiveConnections is the number of admitted streams.
	ActiveConnections prometheus.Gauge

	// Admissions counts admission attempts.
	// Labels: result (accepted|replaced|rejected)
	Admissions *prometheus.CounterVec

	// Removals counts connection removals.
	// Labels: reason (explicit|write_error|stale|released)
	Removals *prometheus.CounterVec

	// EventsSent counts push events by type and outcome.
	// Labels: type, outcome (ok|offline|error)
	EventsSent *prometheus.CounterVec

	// HandshakeTokens counts handshake token operations.
	// Labels: op (issued|resolved|rejected|swept)
	HandshakeTokens *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_active_connections",
			Help: "Number of currently admitted presence streams",
		}),
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_admissions_total",
			Help: "Stream admission attempts by result",
		}, []string{"result"}),
		Removals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_removals_total",
			Help: "Stream removals by reason",
		}, []string{"reason"}),
		EventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_sent_total",
			Help: "Push events by type and outcome",
		}, []string{"type", "outcome"}),
		HandshakeTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_handshake_tokens_total",
			Help: "Handshake token operations",
		}, []string{"op"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status_code"}),
	}
}

// SetConnections records the current connection count.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

// Admission records an admission result.
func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}

// Removal records a connection removal.
func (m *Metrics) Removal(reason string) {
	if m == nil {
		return
	}
	m.Removals.WithLabelValues(reason).Inc()
}

// EventSent records the outcome of one push.
func (m *Metrics) EventSent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsSent.WithLabelValues(eventType, outcome).Inc()
}

// Handshake records a handshake token operation, count times.
func (m *Metrics) Handshake(op string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.HandshakeTokens.WithLabelValues(op).Add(float64(count))
}

// ObserveHTTP records the duration of one HTTP request.
func (m *Metrics) ObserveHTTP(method, route, statusCode string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(seconds)
}
