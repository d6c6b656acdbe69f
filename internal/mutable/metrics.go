package mutable

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of mutable-file metrics.
var metricsInstance *Metrics

// Metrics holds Prometheus metrics for mutable file operations.
type Metrics struct {
	QueriesTotal   *prometheus.CounterVec   // sharegrid_mutable_queries_total{mode,result}
	CorruptShares  prometheus.Counter       // sharegrid_mutable_corrupt_shares_total
	UpdatesTotal   *prometheus.CounterVec   // sharegrid_mutable_updates_total{mode}
	UpdateDuration *prometheus.HistogramVec // sharegrid_mutable_update_duration_seconds{mode}

	PublishTotal    *prometheus.CounterVec // sharegrid_mutable_publish_total{result}
	PublishDuration prometheus.Histogram   // sharegrid_mutable_publish_duration_seconds
	WritesTotal     *prometheus.CounterVec // sharegrid_mutable_writes_total{result}

	RetrievesTotal *prometheus.CounterVec // sharegrid_mutable_retrieves_total{result}
}

// InitMetrics initializes mutable-file metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			QueriesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "sharegrid_mutable_queries_total",
				Help: "Servermap share queries by update mode and result",
			}, []string{"mode", "result"}),

			CorruptShares: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "sharegrid_mutable_corrupt_shares_total",
				Help: "Shares rejected for failing signature or hash checks",
			}),

			UpdatesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "sharegrid_mutable_updates_total",
				Help: "Completed servermap updates by mode",
			}, []string{"mode"}),

			UpdateDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "sharegrid_mutable_update_duration_seconds",
				Help:    "Servermap update duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"mode"}),

			PublishTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "sharegrid_mutable_publish_total",
				Help: "Publish operations by result",
			}, []string{"result"}),

			PublishDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "sharegrid_mutable_publish_duration_seconds",
				Help:    "Publish duration in seconds",
				Buckets: prometheus.DefBuckets,
			}),

			WritesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "sharegrid_mutable_writes_total",
				Help: "Test-and-set share writes by result",
			}, []string{"result"}),

			RetrievesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "sharegrid_mutable_retrieves_total",
				Help: "Retrieve operations by result",
			}, []string{"result"}),
		}
	})

	return metricsInstance
}

func (m *Metrics) recordQuery(mode Mode, result string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(string(mode), result).Inc()
}

func (m *Metrics) recordCorrupt() {
	if m == nil {
		return
	}
	m.CorruptShares.Inc()
}

func (m *Metrics) recordUpdate(mode Mode, seconds float64) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(string(mode)).Inc()
	m.UpdateDuration.WithLabelValues(string(mode)).Observe(seconds)
}

func (m *Metrics) recordPublish(result string, seconds float64) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(result).Inc()
	m.PublishDuration.Observe(seconds)
}

func (m *Metrics) recordWrite(result string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordRetrieve(result string) {
	if m == nil {
		return
	}
	m.RetrievesTotal.WithLabelValues(result).Inc()
}
