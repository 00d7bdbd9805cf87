package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Usage is a point-in-time view of what a node stores.
type Usage struct {
	Bytes   int64
	Files   int
	Objects int
}

// UsageSource reports storage usage.
type UsageSource interface {
	Usage() (Usage, error)
}

// UsageFunc adapts a function to UsageSource.
type UsageFunc func() (Usage, error)

func (f UsageFunc) Usage() (Usage, error) { return f() }

// Collector periodically samples storage usage into NodeMetrics.
type Collector struct {
	metrics *NodeMetrics
	source  UsageSource
	logger  zerolog.Logger
}

// NewCollector creates a new usage collector.
func NewCollector(m *NodeMetrics, source UsageSource, logger zerolog.Logger) *Collector {
	return &Collector{
		metrics: m,
		source:  source,
		logger:  logger.With().Str("component", "metrics-collector").Logger(),
	}
}

// Collect updates the usage gauges once.
func (c *Collector) Collect() {
	u, err := c.source.Usage()
	if err != nil {
		c.metrics.ScanErrors.Inc()
		c.logger.Warn().Err(err).Msg("usage scan failed")
		return
	}
	c.metrics.StoredBytes.Set(float64(u.Bytes))
	c.metrics.StoredFiles.Set(float64(u.Files))
	c.metrics.StoredObjects.Set(float64(u.Objects))
}

// Run collects on every tick until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
