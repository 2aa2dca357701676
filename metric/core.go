// Package metric provides platform-level Prometheus metrics for the gateway.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not tenant business data)
type Metrics struct {
	registry *prometheus.Registry

	// Tenant session metrics
	ConnectionState *prometheus.GaugeVec
	QRIssued        *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec

	// Ingestion metrics
	CallbacksReceived *prometheus.CounterVec
	DedupHits         *prometheus.CounterVec
	IngestDuration    *prometheus.HistogramVec
	IngestErrors      *prometheus.CounterVec

	// Dispatch metrics
	EventsDispatched *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	// Sink connection metrics
	SinkConnected *prometheus.GaugeVec

	// Collaborator metrics
	CollaboratorErrors *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "instance",
				Name:      "connection_state",
				Help:      "Instance connection state (0=close, 1=connecting, 2=open, 3=refused)",
			},
			[]string{"instance"},
		),

		QRIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "instance",
				Name:      "qr_issued_total",
				Help:      "Total QR artifacts issued per instance",
			},
			[]string{"instance"},
		),

		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "instance",
				Name:      "reconnects_total",
				Help:      "Total automatic reconnect attempts per instance",
			},
			[]string{"instance"},
		),

		CallbacksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "ingest",
				Name:      "callbacks_total",
				Help:      "Total protocol callbacks received",
			},
			[]string{"instance", "category"},
		),

		DedupHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "ingest",
				Name:      "dedup_hits_total",
				Help:      "Total messages suppressed by the dedup cache",
			},
			[]string{"instance"},
		),

		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Callback processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),

		IngestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "ingest",
				Name:      "errors_total",
				Help:      "Total callback processing errors",
			},
			[]string{"instance", "category"},
		),

		EventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "dispatch",
				Name:      "events_total",
				Help:      "Total events delivered per sink",
			},
			[]string{"sink", "event", "status"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "dispatch",
				Name:      "dropped_total",
				Help:      "Total events dropped after exhausting sink retries",
			},
			[]string{"sink"},
		),

		SinkConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "sink",
				Name:      "connected",
				Help:      "Sink connection status (0=disconnected, 1=connected)",
			},
			[]string{"sink"},
		),

		CollaboratorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "collaborator",
				Name:      "errors_total",
				Help:      "Total collaborator intake failures",
			},
			[]string{"collaborator"},
		),
	}

	m.registry.MustRegister(
		m.ConnectionState,
		m.QRIssued,
		m.Reconnects,
		m.CallbacksReceived,
		m.DedupHits,
		m.IngestDuration,
		m.IngestErrors,
		m.EventsDispatched,
		m.EventsDropped,
		m.SinkConnected,
		m.CollaboratorErrors,
	)

	return m
}

// Registry exposes the underlying Prometheus registry for serving and for
// auxiliary collectors (worker pools).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnectionState updates the connection state gauge
func (m *Metrics) RecordConnectionState(instance string, state int) {
	m.ConnectionState.WithLabelValues(instance).Set(float64(state))
}

// RecordQRIssued increments the QR counter
func (m *Metrics) RecordQRIssued(instance string) {
	m.QRIssued.WithLabelValues(instance).Inc()
}

// RecordReconnect increments the reconnect counter
func (m *Metrics) RecordReconnect(instance string) {
	m.Reconnects.WithLabelValues(instance).Inc()
}

// RecordCallback increments the callbacks counter
func (m *Metrics) RecordCallback(instance, category string) {
	m.CallbacksReceived.WithLabelValues(instance, category).Inc()
}

// RecordDedupHit increments the dedup hit counter
func (m *Metrics) RecordDedupHit(instance string) {
	m.DedupHits.WithLabelValues(instance).Inc()
}

// RecordIngestDuration records callback processing time
func (m *Metrics) RecordIngestDuration(category string, d time.Duration) {
	m.IngestDuration.WithLabelValues(category).Observe(d.Seconds())
}

// RecordIngestError increments the ingest error counter
func (m *Metrics) RecordIngestError(instance, category string) {
	m.IngestErrors.WithLabelValues(instance, category).Inc()
}

// RecordDispatch increments the per-sink delivery counter
func (m *Metrics) RecordDispatch(sink, event, status string) {
	m.EventsDispatched.WithLabelValues(sink, event, status).Inc()
}

// RecordDrop increments the per-sink drop counter
func (m *Metrics) RecordDrop(sink string) {
	m.EventsDropped.WithLabelValues(sink).Inc()
}

// RecordSinkConnected updates a sink connection gauge
func (m *Metrics) RecordSinkConnected(sink string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.SinkConnected.WithLabelValues(sink).Set(value)
}

// RecordCollaboratorError increments a collaborator failure counter
func (m *Metrics) RecordCollaboratorError(collaborator string) {
	m.CollaboratorErrors.WithLabelValues(collaborator).Inc()
}
