// Package metrics provides the Prometheus registry and node-level metrics
// for an OSD.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all stripestore metrics.
var Registry = prometheus.NewRegistry()

// NodeMetrics holds metrics describing the node itself rather than
// individual operations.
type NodeMetrics struct {
	// Node info (constant labels exposed as a gauge)
	NodeInfo *prometheus.GaugeVec // labels: node_id, layout, version

	// Data directory usage, sampled by Collector
	StoredBytes   prometheus.Gauge
	StoredFiles   prometheus.Gauge
	StoredObjects prometheus.Gauge
	ScanErrors    prometheus.Counter
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitNodeMetrics registers the node metrics with Registry.
func InitNodeMetrics(nodeID, layout, version string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": nodeID,
	}

	m := &NodeMetrics{
		NodeInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "stripestore_node_info",
			Help: "Node information (value is always 1)",
		}, []string{"node_id", "layout", "version"}),
		StoredBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "stripestore_stored_bytes",
			Help:        "Bytes stored under the data directory",
			ConstLabels: constLabels,
		}),
		StoredFiles: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "stripestore_stored_files",
			Help:        "Files with at least one object on this node",
			ConstLabels: constLabels,
		}),
		StoredObjects: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "stripestore_stored_objects",
			Help:        "Object entries (all versions, including padding) on this node",
			ConstLabels: constLabels,
		}),
		ScanErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "stripestore_usage_scan_errors_total",
			Help:        "Failed data directory usage scans",
			ConstLabels: constLabels,
		}),
	}

	m.NodeInfo.WithLabelValues(nodeID, layout, version).Set(1)
	return m
}

// Handler serves the contents of Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
