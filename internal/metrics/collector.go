package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// QueueStats carries the queue counters the collector publishes as gauges
type QueueStats struct {
	Pending int64
	Delayed int64
	Active  int64
	Parked  int64
}

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// Collector periodically refreshes the queue and system gauges
type Collector struct {
	metrics    *Metrics
	queueStats QueueStatsProvider
	interval   time.Duration
	startTime  time.Time
	logger     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a gauge collector
func NewCollector(m *Metrics, provider QueueStatsProvider, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:    m,
		queueStats: provider,
		interval:   interval,
		startTime:  time.Now(),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins periodic gauge updates
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}

// Stop halts the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refresh(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.queueStats == nil {
		return
	}
	stats, err := c.queueStats.QueueStats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect queue stats", "error", err)
		return
	}
	c.metrics.QueuePending.Set(float64(stats.Pending))
	c.metrics.QueueDelayed.Set(float64(stats.Delayed))
	c.metrics.QueueActive.Set(float64(stats.Active))
	c.metrics.QueueParked.Set(float64(stats.Parked))
}
