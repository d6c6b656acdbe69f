package storage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of storage server metrics.
var metricsInstance *Metrics

// Metrics holds Prometheus metrics for the storage server.
type Metrics struct {
	SlotReadsTotal     *prometheus.CounterVec // sharegrid_storage_slot_reads_total{result}
	SlotWritesTotal    *prometheus.CounterVec // sharegrid_storage_slot_writes_total{result}
	SharesWrittenTotal prometheus.Counter     // sharegrid_storage_shares_written_total
}

// InitMetrics initializes storage server metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			SlotReadsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "sharegrid_storage_slot_reads_total",
				Help: "Slot read requests by result",
			}, []string{"result"}),

			SlotWritesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "sharegrid_storage_slot_writes_total",
				Help: "Slot test-and-set requests by result",
			}, []string{"result"}),

			SharesWrittenTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "sharegrid_storage_shares_written_total",
				Help: "Shares created, modified or deleted by applied writes",
			}),
		}
	})

	return metricsInstance
}

func (m *Metrics) recordRead(result string) {
	if m == nil {
		return
	}
	m.SlotReadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordWrite(result string) {
	if m == nil {
		return
	}
	m.SlotWritesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordShares(n int) {
	if m == nil {
		return
	}
	m.SharesWrittenTotal.Add(float64(n))
}
