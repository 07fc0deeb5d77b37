package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	registry          *prometheus.Registry
	PendingExchanges  prometheus.Gauge
	TransactionsTotal *prometheus.CounterVec
	DegradedTotal     *prometheus.CounterVec
	StoreErrorsTotal  *prometheus.CounterVec
	PrunedTotal       prometheus.Counter
	NotifyDropped     prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		PendingExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netspy",
			Name:      "pending_exchanges",
			Help:      "Exchanges forwarded but not yet completed",
		}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspy",
			Name:      "transactions_total",
			Help:      "Transactions recorded by final state",
		}, []string{"state"}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspy",
			Name:      "capture_degraded_total",
			Help:      "Bodies recorded without their content by direction and body status",
		}, []string{"direction", "status"}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspy",
			Name:      "store_errors_total",
			Help:      "Store failures by operation",
		}, []string{"op"}),
		PrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netspy",
			Name:      "pruned_total",
			Help:      "Transactions deleted by retention",
		}),
		NotifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netspy",
			Name:      "notifications_dropped_total",
			Help:      "Notification events dropped because the hub was full",
		}),
	}
	r.MustRegister(m.PendingExchanges, m.TransactionsTotal, m.DegradedTotal, m.StoreErrorsTotal, m.PrunedTotal, m.NotifyDropped)
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
