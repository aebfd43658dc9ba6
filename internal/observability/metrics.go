package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing service.
type Metrics struct {
	// --- Clearing ---
	TradesTotal    *prometheus.CounterVec
	ClearErrors    *prometheus.CounterVec
	ClearDuration  *prometheus.HistogramVec
	MarginCleared  prometheus.Counter
	Compensations  *prometheus.CounterVec
	LedgerLockWait prometheus.Histogram

	// --- Worker pool ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PoolTasks          *prometheus.CounterVec

	// --- Simulation ---
	SimulationRuns     *prometheus.CounterVec
	SimulationTrades   *prometheus.CounterVec
	SimulationDuration prometheus.Histogram

	// --- Ingestion & publishing ---
	IngestRequests    *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter
	PublishedEvents   *prometheus.CounterVec
	PublishDrops      prometheus.Counter

	// --- Persistence ---
	PersistErrors *prometheus.CounterVec
	PersistRetry  prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// creates unregistered collectors, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		TradesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_trades_total",
			Help: "Trades finalized by the clearer",
		}, []string{"status"}),

		ClearErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_clear_errors_total",
			Help: "Clear calls that returned an error",
		}, []string{"reason"}),

		ClearDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_clear_duration_seconds",
			Help:    "Time to clear a single trade",
			Buckets: latencyBuckets,
		}, []string{"status"}),

		MarginCleared: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_cleared_amount_total",
			Help: "Sum of margin debited for cleared trades",
		}),

		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_compensations_total",
			Help: "Refunds issued after a cleared trade could not be recorded",
		}, []string{"result"}),

		LedgerLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_ledger_lock_wait_seconds",
			Help:    "Time spent waiting for an account lock",
			Buckets: latencyBuckets,
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PoolTasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_pool_tasks_total",
			Help: "Tasks run by the worker pool",
		}, []string{"result"}),

		SimulationRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_simulation_runs_total",
			Help: "Simulation batches run",
		}, []string{"result"}),

		SimulationTrades: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_simulation_trades_total",
			Help: "Simulated trades by outcome",
		}, []string{"outcome"}),

		SimulationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_simulation_duration_seconds",
			Help:    "Wall-clock time of a simulation batch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		IngestRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_ingest_requests_total",
			Help: "Trade requests consumed from NATS",
		}, []string{"result"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_published_events_total",
			Help: "Trade outcome events published",
		}, []string{"status"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_retry_total",
			Help: "Transient persistence retries",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_query_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
