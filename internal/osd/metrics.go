package osd

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// osdMetricsOnce ensures metrics are only initialized once.
var osdMetricsOnce sync.Once

// osdMetricsInstance is the singleton instance of the engine metrics.
var osdMetricsInstance *Metrics

// Metrics holds the Prometheus metrics of the storage engine.
type Metrics struct {
	// Operation metrics
	OpsTotal   *prometheus.CounterVec   // stripestore_osd_ops_total{operation,status}
	OpDuration *prometheus.HistogramVec // stripestore_osd_op_duration_seconds{operation}

	// Transfer metrics
	BytesRead    prometheus.Counter // stripestore_osd_bytes_read_total
	BytesWritten prometheus.Counter // stripestore_osd_bytes_written_total

	// gmax protocol
	GmaxSent     prometheus.Counter     // stripestore_osd_gmax_sent_total
	GmaxReceived prometheus.Counter     // stripestore_osd_gmax_received_total
	GmaxDropped  prometheus.Counter     // stripestore_osd_gmax_dropped_total
	GmaxFetches  *prometheus.CounterVec // stripestore_osd_gmax_fetches_total{result}

	ChecksumMismatches prometheus.Counter // stripestore_osd_checksum_mismatches_total

	// Executor state
	CachedFiles prometheus.Gauge     // stripestore_osd_cached_files
	QueueDepth  *prometheus.GaugeVec // stripestore_osd_queue_depth{worker}
}

// InitMetrics initializes the engine metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	osdMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		osdMetricsInstance = &Metrics{
			OpsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "stripestore_osd_ops_total",
				Help: "Total storage operations by operation and status",
			}, []string{"operation", "status"}),

			OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "stripestore_osd_op_duration_seconds",
				Help:    "Storage operation duration in seconds, measured inside the worker",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesRead: f.NewCounter(prometheus.CounterOpts{
				Name: "stripestore_osd_bytes_read_total",
				Help: "Total payload bytes returned by reads",
			}),

			BytesWritten: f.NewCounter(prometheus.CounterOpts{
				Name: "stripestore_osd_bytes_written_total",
				Help: "Total payload bytes accepted by writes",
			}),

			GmaxSent: f.NewCounter(prometheus.CounterOpts{
				Name: "stripestore_osd_gmax_sent_total",
				Help: "Total gmax update datagrams sent",
			}),

			GmaxReceived: f.NewCounter(prometheus.CounterOpts{
				Name: "stripestore_osd_gmax_received_total",
				Help: "Total gmax updates applied",
			}),

			GmaxDropped: f.NewCounter(prometheus.CounterOpts{
				Name: "stripestore_osd_gmax_dropped_total",
				Help: "Total gmax datagrams dropped (malformed or rate limited)",
			}),

			GmaxFetches: f.NewCounterVec(prometheus.CounterOpts{
				Name: "stripestore_osd_gmax_fetches_total",
				Help: "Total synchronous gmax fetch rounds by result",
			}, []string{"result"}),

			ChecksumMismatches: f.NewCounter(prometheus.CounterOpts{
				Name: "stripestore_osd_checksum_mismatches_total",
				Help: "Total object reads whose checksum did not match",
			}),

			CachedFiles: f.NewGauge(prometheus.GaugeOpts{
				Name: "stripestore_osd_cached_files",
				Help: "Number of files held in worker caches",
			}),

			QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stripestore_osd_queue_depth",
				Help: "Pending operations per worker",
			}, []string{"worker"}),
		}
	})
	return osdMetricsInstance
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
