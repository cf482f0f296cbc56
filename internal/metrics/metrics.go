// Package metrics exposes Prometheus instruments for the engine and HTTP layer.
// A nil *Metrics is valid and records nothing, so components can run without it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument registered by the service.
type Metrics struct {
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ConversationsCreated prometheus.Counter
	MessagesProcessed    *prometheus.CounterVec
	ActiveContexts       prometheus.Gauge
	InferenceLatency     prometheus.Histogram

	PersistenceWrites *prometheus.CounterVec
	PersistQueueDepth prometheus.Gauge

	BankImports      *prometheus.CounterVec
	ContextsExpired  prometheus.Counter
	WebSocketClients prometheus.Gauge
}

// New registers all instruments with reg. Pass prometheus.NewRegistry() in
// tests to avoid collisions with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestCount: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convmem_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "convmem_http_request_duration_seconds",
				Help: "HTTP request duration in seconds",
			},
			[]string{"method", "route"},
		),
		ConversationsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "convmem_conversations_created_total",
			Help: "Conversations created (idempotent repeats are not counted)",
		}),
		MessagesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convmem_messages_processed_total",
				Help: "Messages appended to conversations",
			},
			[]string{"sender"},
		),
		ActiveContexts: f.NewGauge(prometheus.GaugeOpts{
			Name: "convmem_active_contexts",
			Help: "Conversation contexts held in memory",
		}),
		InferenceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "convmem_inference_latency_seconds",
			Help:    "Time spent running inference rules on one message",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}),
		PersistenceWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convmem_persistence_writes_total",
				Help: "Persistence writes by record kind and result",
			},
			[]string{"kind", "result"},
		),
		PersistQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "convmem_persist_queue_depth",
			Help: "Pending asynchronous persistence jobs",
		}),
		BankImports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convmem_bank_imports_total",
				Help: "Memory bank imports by result",
			},
			[]string{"result"},
		),
		ContextsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "convmem_contexts_expired_total",
			Help: "Contexts removed by retention cleanup",
		}),
		WebSocketClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "convmem_websocket_clients",
			Help: "Connected WebSocket clients",
		}),
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ConversationCreated counts a newly created conversation.
func (m *Metrics) ConversationCreated(active int) {
	if m == nil {
		return
	}
	m.ConversationsCreated.Inc()
	m.ActiveContexts.Set(float64(active))
}

// MessageProcessed counts one appended message and its inference time.
func (m *Metrics) MessageProcessed(sender string, inference time.Duration) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(sender).Inc()
	m.InferenceLatency.Observe(inference.Seconds())
}

// PersistenceWrite counts a write of the given kind.
func (m *Metrics) PersistenceWrite(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PersistenceWrites.WithLabelValues(kind, result).Inc()
}

// QueueDepth records the async persistence backlog.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.PersistQueueDepth.Set(float64(n))
}

// BankImport counts an import attempt.
func (m *Metrics) BankImport(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.BankImports.WithLabelValues(result).Inc()
}

// ContextsRemoved records a retention sweep.
func (m *Metrics) ContextsRemoved(n, active int) {
	if m == nil {
		return
	}
	m.ContextsExpired.Add(float64(n))
	m.ActiveContexts.Set(float64(active))
}

// SetActiveContexts sets the in-memory context gauge.
func (m *Metrics) SetActiveContexts(n int) {
	if m == nil {
		return
	}
	m.ActiveContexts.Set(float64(n))
}

// SetWebSocketClients sets the connected-client gauge.
func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Set(float64(n))
}
