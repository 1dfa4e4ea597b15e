package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Close reasons used as the "reason" label of SessionsClosed.
const (
	ReasonGoodbye    = "goodbye"
	ReasonTimeout    = "timeout"
	ReasonOutOfOrder = "out_of_order"
	ReasonShutdown   = "shutdown"
)

// Metrics contains all Prometheus metrics for the chat hub
type Metrics struct {
	registry *prometheus.Registry

	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	ParseErrors      prometheus.Counter
	QueueSize        *prometheus.GaugeVec

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Sequencing metrics
	MessagesAccepted  prometheus.Counter
	PacketsLost       prometheus.Counter
	PacketsDuplicate  prometheus.Counter
	PacketsOutOfOrder prometheus.Counter

	// Fanout metrics
	BroadcastsSent prometheus.Counter
	SendErrors     prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry, so several hubs can
// live in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_packets_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_packets_processed_total",
			Help: "Total number of datagrams that passed ingestion",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_packets_dropped_total",
			Help: "Total number of datagrams dropped without processing",
		}, []string{"reason"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_parse_errors_total",
			Help: "Total number of datagrams shorter than a header",
		}),
		QueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_queue_size",
			Help: "Current number of items in a pipeline queue",
		}, []string{"queue"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Current number of registered sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_sessions_closed_total",
			Help: "Total number of sessions closed",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_session_duration_seconds",
			Help:    "Lifetime of closed sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		MessagesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_accepted_total",
			Help: "Total number of DATA packets accepted",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_packets_lost_total",
			Help: "Total number of sequence numbers reported lost",
		}),
		PacketsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_packets_duplicate_total",
			Help: "Total number of duplicate DATA packets",
		}),
		PacketsOutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_packets_out_of_order_total",
			Help: "Total number of stale DATA packets",
		}),

		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_datagrams_total",
			Help: "Total number of DATA datagrams sent by fanout",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_send_errors_total",
			Help: "Total number of failed datagram writes",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Registry returns the registry holding these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordPacketDropped counts a datagram discarded for reason
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current size of a named queue
func (m *Metrics) SetQueueSize(queue string, size int) {
	m.QueueSize.WithLabelValues(queue).Set(float64(size))
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionClosed counts a closed session and records its lifetime
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordAccepted increments the accepted messages counter
func (m *Metrics) RecordAccepted() {
	m.MessagesAccepted.Inc()
}

// RecordLost adds count lost sequence numbers
func (m *Metrics) RecordLost(count uint32) {
	m.PacketsLost.Add(float64(count))
}

// RecordDuplicate increments the duplicate counter
func (m *Metrics) RecordDuplicate() {
	m.PacketsDuplicate.Inc()
}

// RecordOutOfOrder increments the out of order counter
func (m *Metrics) RecordOutOfOrder() {
	m.PacketsOutOfOrder.Inc()
}

// RecordBroadcast adds the number of datagrams sent for one fanout
func (m *Metrics) RecordBroadcast(recipients int) {
	m.BroadcastsSent.Add(float64(recipients))
}

// RecordSendError increments the send errors counter
func (m *Metrics) RecordSendError() {
	m.SendErrors.Inc()
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
