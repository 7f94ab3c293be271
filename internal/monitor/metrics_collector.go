package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
)

const (
	metricsStreamName = "METRICS"
	metricsSubject    = "metrics.scheduler"
)

// StatsSource reports ready queue depths
type StatsSource interface {
	Stats() []model.QueueStats
}

// MetricsCollector periodically samples host load and queue depths and
// publishes the snapshot to NATS when a JetStream context is set.
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   StatsSource
	interval time.Duration
	mu       sync.RWMutex
	latest   *model.SchedulerMetrics
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector. js may be nil.
func NewMetricsCollector(js nats.JetStreamContext, source StatsSource, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start creates the metrics stream and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	if c.js != nil {
		if _, err := c.js.StreamInfo(metricsStreamName); err != nil {
			if err != nats.ErrStreamNotFound {
				return fmt.Errorf("failed to get stream info: %w", err)
			}
			if _, err := c.js.AddStream(&nats.StreamConfig{
				Name:     metricsStreamName,
				Subjects: []string{"metrics.*"},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
			}); err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
		}
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes one snapshot, stores it as the latest and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) (*model.SchedulerMetrics, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	metrics := &model.SchedulerMetrics{
		Timestamp:   time.Now().UTC(),
		MemoryUsage: memInfo.UsedPercent,
		Queues:      c.source.Stats(),
	}
	if len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}
	for _, q := range metrics.Queues {
		metrics.TotalDepth += q.Depth
	}

	c.mu.Lock()
	c.latest = metrics
	c.mu.Unlock()

	if c.js != nil {
		data, err := json.Marshal(metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		if _, err := c.js.Publish(metricsSubject, data, nats.Context(ctx)); err != nil {
			return nil, fmt.Errorf("failed to publish metrics: %w", err)
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage),
		zap.Int("total_depth", metrics.TotalDepth))
	return metrics, nil
}

// Latest returns the most recent snapshot, nil before the first collection
func (c *MetricsCollector) Latest() *model.SchedulerMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
