// Package metrics provides Prometheus metrics for the kpxc client engine.
// A nil *Metrics is valid and every Record/Set method on it is a no-op, so
// instrumentation is entirely optional: a host that never calls
// NewMetrics pays nothing for it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kpxc"

// Metrics holds the Prometheus collectors for one client engine instance.
type Metrics struct {
	HandshakesTotal     prometheus.Counter
	HandshakeErrors     *prometheus.CounterVec
	NonceRejectsTotal    prometheus.Counter
	FramesSent          *prometheus.CounterVec
	FramesReceived      *prometheus.CounterVec
	BytesSent           prometheus.Counter
	BytesReceived       prometheus.Counter
	AssociationsActive  prometheus.Gauge
	DatabaseOpensTotal  prometheus.Counter
	DisconnectsTotal    *prometheus.CounterVec
	ActionErrorsTotal   *prometheus.CounterVec
}

// NewMetrics registers a new Metrics instance against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers a new Metrics instance against reg, so
// tests and multi-instance hosts can use an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HandshakesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of change-public-keys handshakes completed",
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by error code",
		}, []string{"code"}),
		NonceRejectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_rejects_total",
			Help:      "Total inbound frames rejected for an unrecognized reply nonce",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames written to the helper process, by action",
		}, []string{"action"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames read from the helper process, by action",
		}, []string{"action"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes written to the helper process",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes read from the helper process",
		}),
		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "1 while a database association is Unlocked, 0 otherwise",
		}),
		DatabaseOpensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_opens_total",
			Help:      "Total successful database open (associate or test-associate) completions",
		}),
		DisconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnects, by the escalation phase reached",
		}, []string{"phase"}),
		ActionErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_errors_total",
			Help:      "Total errorOccured events, by error code",
		}, []string{"code"}),
	}
}

// RecordHandshake records a completed handshake.
func (m *Metrics) RecordHandshake() {
	if m == nil {
		return
	}
	m.HandshakesTotal.Inc()
}

// RecordHandshakeError records a handshake failure by error code.
func (m *Metrics) RecordHandshakeError(code string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(code).Inc()
}

// RecordNonceReject records a rejected reply nonce.
func (m *Metrics) RecordNonceReject() {
	if m == nil {
		return
	}
	m.NonceRejectsTotal.Inc()
}

// RecordFrameSent records one outbound frame of the given action.
func (m *Metrics) RecordFrameSent(action string, payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(action).Inc()
	m.BytesSent.Add(float64(payloadBytes))
}

// RecordFrameReceived records one inbound frame of the given action.
func (m *Metrics) RecordFrameReceived(action string, payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(action).Inc()
	m.BytesReceived.Add(float64(payloadBytes))
}

// SetAssociationActive reports whether a database is currently Unlocked.
func (m *Metrics) SetAssociationActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.AssociationsActive.Set(1)
	} else {
		m.AssociationsActive.Set(0)
	}
}

// RecordDatabaseOpen records a successful open-database completion.
func (m *Metrics) RecordDatabaseOpen() {
	if m == nil {
		return
	}
	m.DatabaseOpensTotal.Inc()
}

// RecordDisconnect records the escalation phase a disconnect reached.
func (m *Metrics) RecordDisconnect(phase string) {
	if m == nil {
		return
	}
	m.DisconnectsTotal.WithLabelValues(phase).Inc()
}

// RecordActionError records an errorOccured event by its error code.
func (m *Metrics) RecordActionError(code string) {
	if m == nil {
		return
	}
	m.ActionErrorsTotal.WithLabelValues(code).Inc()
}
