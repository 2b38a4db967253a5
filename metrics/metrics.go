package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_bridge"

// Metrics holds the bridge collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	orphanedResponses prometheus.Counter
	requestTimeouts   prometheus.Counter
	saturations       prometheus.Counter
	malformedLines    prometheus.Counter
	droppedSessions   prometheus.Counter
	admissionsDenied  prometheus.Counter
	requests          *prometheus.CounterVec
	crashes           prometheus.Counter
	restarts          prometheus.Counter
	sessions          prometheus.Gauge
	pending           prometheus.Gauge
	ready             prometheus.Gauge
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		registry:          prometheus.NewRegistry(),
		orphanedResponses: counter("orphaned_responses_total", "Upstream responses that matched no pending request."),
		requestTimeouts:   counter("request_timeouts_total", "Pending requests failed by the deadline sweep."),
		saturations:       counter("outbound_saturations_total", "Requests rejected because the upstream write queue was full."),
		malformedLines:    counter("malformed_upstream_lines_total", "Upstream output lines skipped as malformed."),
		droppedSessions:   counter("slow_consumer_sessions_total", "Sessions force-closed because their stream could not keep up."),
		admissionsDenied:  counter("admissions_denied_total", "Connections rejected at admission."),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Client requests by outcome.",
		}, []string{"outcome"}),
		crashes:  counter("upstream_crashes_total", "Unexpected upstream process exits."),
		restarts: counter("upstream_restarts_total", "Upstream restart attempts."),
		sessions: gauge("sessions_active", "Sessions currently admitted and not closed."),
		pending:  gauge("pending_requests", "Requests awaiting an upstream response."),
		ready:    gauge("upstream_ready", "1 when the upstream process is ready."),
	}
	m.registry.MustRegister(
		m.orphanedResponses, m.requestTimeouts, m.saturations, m.malformedLines,
		m.droppedSessions, m.admissionsDenied, m.requests, m.crashes, m.restarts,
		m.sessions, m.pending, m.ready,
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrphanedResponse() {
	if m != nil {
		m.orphanedResponses.Inc()
	}
}

func (m *Metrics) RequestTimeout() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}

func (m *Metrics) OutboundSaturation() {
	if m != nil {
		m.saturations.Inc()
	}
}

func (m *Metrics) MalformedLine() {
	if m != nil {
		m.malformedLines.Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.droppedSessions.Inc()
	}
}

func (m *Metrics) AdmissionDenied() {
	if m != nil {
		m.admissionsDenied.Inc()
	}
}

// Request counts a completed client request by outcome (ok, error, timeout, crashed...).
func (m *Metrics) Request(outcome string) {
	if m != nil {
		m.requests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Crash() {
	if m != nil {
		m.crashes.Inc()
	}
}

func (m *Metrics) Restart() {
	if m != nil {
		m.restarts.Inc()
	}
}

// SetSessions records the number of live sessions.
func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

// SetPending records the size of the pending request table.
func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

// SetReady records upstream readiness.
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	value := 0.0
	if ready {
		value = 1
	}
	m.ready.Set(value)
}
