package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// OptionMetrics tracks lifecycle throughput for the option engine along with
// the standing totals operators alert on.
type OptionMetrics struct {
	deposited prometheus.Counter
	purchased prometheus.Counter
	exercised prometheus.Counter
	closed    prometheus.Counter
	failures  *prometheus.CounterVec

	openOptions   prometheus.Gauge
	escrowedItems prometheus.Gauge
}

var (
	optionsOnce     sync.Once
	optionsRegistry *OptionMetrics
)

// Options returns the process-wide option metrics, registering the collectors
// on first use.
func Options() *OptionMetrics {
	optionsOnce.Do(func() {
		optionsRegistry = &OptionMetrics{
			deposited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "options_deposited_total",
				Help: "Count of options opened by a deposit.",
			}),
			purchased: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "options_purchased_total",
				Help: "Count of options sold to a buyer.",
			}),
			exercised: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "options_exercised_total",
				Help: "Count of options settled by exercise.",
			}),
			closed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "options_closed_total",
				Help: "Count of options settled by close.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "options_operation_failures_total",
				Help: "Count of rejected lifecycle operations by operation and reason.",
			}, []string{"operation", "reason"}),
			openOptions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "options_open",
				Help: "Number of unsettled option records.",
			}),
			escrowedItems: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "options_escrowed_items",
				Help: "Number of items currently held by the settlement vault.",
			}),
		}
		prometheus.MustRegister(
			optionsRegistry.deposited,
			optionsRegistry.purchased,
			optionsRegistry.exercised,
			optionsRegistry.closed,
			optionsRegistry.failures,
			optionsRegistry.openOptions,
			optionsRegistry.escrowedItems,
		)
	})
	return optionsRegistry
}

// ObserveDeposited records a successful deposit: one more open option, one
// more escrowed item.
func (m *OptionMetrics) ObserveDeposited() {
	if m == nil {
		return
	}
	m.deposited.Inc()
	m.openOptions.Inc()
	m.escrowedItems.Inc()
}

// ObservePurchased records a successful purchase. The option stays open.
func (m *OptionMetrics) ObservePurchased() {
	if m == nil {
		return
	}
	m.purchased.Inc()
}

// ObserveExercised records a settled exercise.
func (m *OptionMetrics) ObserveExercised() {
	if m == nil {
		return
	}
	m.exercised.Inc()
	m.openOptions.Dec()
	m.escrowedItems.Dec()
}

// ObserveClosed records a settled close.
func (m *OptionMetrics) ObserveClosed() {
	if m == nil {
		return
	}
	m.closed.Inc()
	m.openOptions.Dec()
	m.escrowedItems.Dec()
}

// ObserveFailure records a rejected lifecycle operation.
func (m *OptionMetrics) ObserveFailure(operation, reason string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.failures.WithLabelValues(operation, reason).Inc()
}

// SetOpenOptions replaces the open option gauge, used when the node rebuilds
// the totals from state at startup.
func (m *OptionMetrics) SetOpenOptions(count float64) {
	if m == nil {
		return
	}
	m.openOptions.Set(count)
}

// SetEscrowedItems replaces the escrowed item gauge.
func (m *OptionMetrics) SetEscrowedItems(count float64) {
	if m == nil {
		return
	}
	m.escrowedItems.Set(count)
}
