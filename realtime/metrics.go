// This file defines the metrics hook interface and its Prometheus-backed
// implementation. The gateway reports through the interface so tests and
// minimal deployments can run without a registry.
package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives operational signals from the gateway.
type MetricsCollector interface {
	// ConnectionOpened is called when a new socket is registered.
	ConnectionOpened(connID string)

	// ConnectionClosed is called when a connection is removed, with its lifetime.
	ConnectionClosed(connID string, duration time.Duration)

	// FrameReceived tracks incoming client frames by type.
	FrameReceived(frameType string)

	// Broadcast tracks fan-out operations with their recipient count.
	Broadcast(projectID string, recipients int)

	// MessageQueued tracks events persisted to an offline queue.
	MessageQueued(projectID string)

	// MessageDrained tracks backlog events replayed on reconnect.
	MessageDrained(count int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened(string)                {}
func (noopMetrics) ConnectionClosed(string, time.Duration) {}
func (noopMetrics) FrameReceived(string)                   {}
func (noopMetrics) Broadcast(string, int)                  {}
func (noopMetrics) MessageQueued(string)                   {}
func (noopMetrics) MessageDrained(int)                     {}
func (noopMetrics) Error(string, error)                    {}

// PrometheusMetrics implements MetricsCollector on a Prometheus registry.
type PrometheusMetrics struct {
	openConnections prometheus.Gauge
	framesTotal     *prometheus.CounterVec
	broadcastsTotal prometheus.Counter
	recipientsTotal prometheus.Counter
	queuedTotal     prometheus.Counter
	drainedTotal    prometheus.Counter
	errorsTotal     *prometheus.CounterVec
}

// NewPrometheusMetrics creates the gateway's collectors and registers them
// with the given registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shotrelay_open_connections",
			Help: "Number of currently open WebSocket connections.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotrelay_frames_received_total",
			Help: "Client frames received, by frame type.",
		}, []string{"type"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shotrelay_broadcasts_total",
			Help: "Broadcast fan-out operations performed.",
		}),
		recipientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shotrelay_broadcast_recipients_total",
			Help: "Total sockets reached by broadcast fan-outs.",
		}),
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shotrelay_offline_queued_total",
			Help: "Events persisted to offline queues.",
		}),
		drainedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shotrelay_offline_drained_total",
			Help: "Backlog events replayed from offline queues.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotrelay_errors_total",
			Help: "Errors observed, by component.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.openConnections,
		m.framesTotal,
		m.broadcastsTotal,
		m.recipientsTotal,
		m.queuedTotal,
		m.drainedTotal,
		m.errorsTotal,
	)

	return m
}

func (m *PrometheusMetrics) ConnectionOpened(string) {
	m.openConnections.Inc()
}

func (m *PrometheusMetrics) ConnectionClosed(string, time.Duration) {
	m.openConnections.Dec()
}

func (m *PrometheusMetrics) FrameReceived(frameType string) {
	m.framesTotal.WithLabelValues(frameType).Inc()
}

func (m *PrometheusMetrics) Broadcast(_ string, recipients int) {
	m.broadcastsTotal.Inc()

	m.recipientsTotal.Add(float64(recipients))
}

func (m *PrometheusMetrics) MessageQueued(string) {
	m.queuedTotal.Inc()
}

func (m *PrometheusMetrics) MessageDrained(count int) {
	m.drainedTotal.Add(float64(count))
}

func (m *PrometheusMetrics) Error(component string, _ error) {
	m.errorsTotal.WithLabelValues(component).Inc()
}
