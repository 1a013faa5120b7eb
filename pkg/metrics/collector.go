package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/mailbot/logger"
)

// StatusCount is one row of aggregated journal statistics.
type StatusCount struct {
	Direction string
	Status    string
	Count     int64
}

// StatsProvider returns aggregated journal statistics.
type StatsProvider interface {
	Stats(ctx context.Context) ([]StatusCount, error)
}

// Collector periodically refreshes the journal gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect(ctx context.Context) {
	rows, err := c.provider.Stats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting journal stats", "error", err)
		return
	}

	JournalEntries.Reset()
	for _, row := range rows {
		JournalEntries.WithLabelValues(row.Direction, row.Status).Set(float64(row.Count))
	}
	logger.Debug("MetricsCollector: updated journal metrics", "rows", len(rows))
}
