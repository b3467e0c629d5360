// Package metrics exposes Prometheus collectors for the telemetry transport.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hmi_sync"

// Metrics groups the transport collectors.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived    prometheus.Counter
	decodeErrors      prometheus.Counter
	updatesReceived   prometheus.Counter
	sendsDropped      *prometheus.CounterVec
	framesSent        prometheus.Counter
	reconnectAttempts prometheus.Counter
	retriesExhausted  prometheus.Counter
	connected         prometheus.Gauge
	commands          *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_received_total",
			Help: "Inbound frames read from the telemetry stream.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "decode_errors_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}),
		updatesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "updates_received_total",
			Help: "Point updates contained in decoded batches.",
		}),
		sendsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "sends_dropped_total",
			Help: "Outbound messages dropped before reaching the wire.",
		}, []string{"reason"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_sent_total",
			Help: "Outbound frames written to the telemetry stream.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "attempts_total",
			Help: "Reconnection attempts made by the retry policy.",
		}),
		retriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "exhausted_total",
			Help: "Sessions that gave up after the attempt budget was spent.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "connected",
			Help: "1 while the telemetry stream is open.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "control", Name: "commands_total",
			Help: "Supervisory control commands by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.framesReceived, m.decodeErrors, m.updatesReceived, m.sendsDropped, m.framesSent,
		m.reconnectAttempts, m.retriesExhausted, m.connected, m.commands,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameReceived records one inbound frame and the number of updates it carried.
func (m *Metrics) FrameReceived(updates int) {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
	m.updatesReceived.Add(float64(updates))
}

// DecodeError records a dropped malformed frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// FrameSent records a frame written to the wire.
func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

// SendDropped records an outbound message that never reached the wire.
func (m *Metrics) SendDropped(reason string) {
	if m == nil {
		return
	}
	m.sendsDropped.WithLabelValues(reason).Inc()
}

// ReconnectAttempt records one retry.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// RetriesExhausted records a session giving up.
func (m *Metrics) RetriesExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}

// SetConnected updates the connection gauge.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Command records a control command outcome ("accepted", "rejected", "error").
func (m *Metrics) Command(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}
