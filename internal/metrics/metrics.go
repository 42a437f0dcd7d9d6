package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChatIncomingEvents   *prometheus.CounterVec
	ChatOutgoingMessages *prometheus.CounterVec
	ProviderRequests     *prometheus.CounterVec
	ProviderLatency      *prometheus.HistogramVec
	Orders               *prometheus.CounterVec
	Deposits             *prometheus.CounterVec
	LedgerOps            *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	QueueRunning         prometheus.Gauge
	GuardEvictions       prometheus.Counter
	Discrepancies        *prometheus.CounterVec
	Errors               *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ChatIncomingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_incoming_events_total",
				Help:      "Total inbound chat events by action.",
			}, []string{"action"}),
			ChatOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_outgoing_messages_total",
				Help:      "Total outgoing chat messages by type.",
			}, []string{"type"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total provider API requests by provider, endpoint and status.",
			}, []string{"provider", "endpoint", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for provider API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "endpoint", "status"}),
			Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Order lifecycle outcomes.",
			}, []string{"outcome"}),
			Deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_total",
				Help:      "Deposit lifecycle outcomes.",
			}, []string{"outcome"}),
			LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Ledger credit/debit operations by result.",
			}, []string{"op", "result"}),
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_depth",
				Help:      "Tasks waiting for admission.",
			}),
			QueueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_running",
				Help:      "Tasks currently executing.",
			}),
			GuardEvictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_evictions_total",
				Help:      "Stale guard leases removed by the janitor.",
			}),
			Discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_discrepancies_total",
				Help:      "Provider calls that failed after local state was already settled.",
			}, []string{"provider", "op"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.ChatIncomingEvents,
			metricsInstance.ChatOutgoingMessages,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.Orders,
			metricsInstance.Deposits,
			metricsInstance.LedgerOps,
			metricsInstance.QueueDepth,
			metricsInstance.QueueRunning,
			metricsInstance.GuardEvictions,
			metricsInstance.Discrepancies,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// ObserveProvider records one provider round trip.
func (m *Metrics) ObserveProvider(provider, endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, endpoint, status).Inc()
	if seconds >= 0 {
		m.ProviderLatency.WithLabelValues(provider, endpoint, status).Observe(seconds)
	}
}

// Order counts an order outcome.
func (m *Metrics) Order(outcome string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(outcome).Inc()
}

// Deposit counts a deposit outcome.
func (m *Metrics) Deposit(outcome string) {
	if m == nil {
		return
	}
	m.Deposits.WithLabelValues(outcome).Inc()
}

// Ledger counts a ledger operation.
func (m *Metrics) Ledger(op, result string) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, result).Inc()
}

// Queue publishes the serializer gauges.
func (m *Metrics) Queue(depth, running int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	m.QueueRunning.Set(float64(running))
}

// Evicted counts janitor evictions.
func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GuardEvictions.Add(float64(n))
}

// Discrepancy counts a provider-side reconciliation gap.
func (m *Metrics) Discrepancy(provider, op string) {
	if m == nil {
		return
	}
	m.Discrepancies.WithLabelValues(provider, op).Inc()
}

// Error counts an error for component.
func (m *Metrics) Error(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}

// ChatIn counts an inbound chat event.
func (m *Metrics) ChatIn(action string) {
	if m == nil {
		return
	}
	m.ChatIncomingEvents.WithLabelValues(action).Inc()
}

// ChatOut counts an outbound chat message.
func (m *Metrics) ChatOut(kind string) {
	if m == nil {
		return
	}
	m.ChatOutgoingMessages.WithLabelValues(kind).Inc()
}
