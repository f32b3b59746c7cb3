package resource

import (
	"context"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// MemorySampler reports current system memory utilization as a percentage.
type MemorySampler interface {
	UsedPercent(ctx context.Context) (float64, error)
}

// SystemSampler reads utilization from the host.
type SystemSampler struct{}

var _ MemorySampler = (*SystemSampler)(nil)

// UsedPercent returns the fraction of physical memory in use, 0 to 100.
func (SystemSampler) UsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Memory utilization tiers. At or above the high mark the batch shrinks to a
// quarter of base, at or above the elevated mark to half.
const (
	highUtilization     = 90.0
	elevatedUtilization = 80.0
)

// Monitor derives the next packaging batch size from live memory pressure.
// Every call samples fresh; a reading is never cached, so a utilization spike
// shrinks the very next batch.
type Monitor struct {
	sampler   MemorySampler
	baseBatch int
	minBatch  int
	logger    *zap.Logger
}

// NewMonitor creates a monitor with the given batch bounds.
func NewMonitor(sampler MemorySampler, baseBatch, minBatch int, logger *zap.Logger) *Monitor {
	if minBatch < 1 {
		minBatch = 1
	}
	if baseBatch < minBatch {
		baseBatch = minBatch
	}
	return &Monitor{
		sampler:   sampler,
		baseBatch: baseBatch,
		minBatch:  minBatch,
		logger:    logger,
	}
}

// BatchSize returns the batch size for the next collection. A failed sample
// degrades to the minimum rather than stalling the consumer.
func (m *Monitor) BatchSize(ctx context.Context) int {
	used, err := m.sampler.UsedPercent(ctx)
	if err != nil {
		m.logger.Warn("Memory sample failed, using minimum batch size", zap.Error(err))
		return m.minBatch
	}

	size := m.baseBatch
	switch {
	case used >= highUtilization:
		size = m.baseBatch / 4
	case used >= elevatedUtilization:
		size = m.baseBatch / 2
	}
	if size < m.minBatch {
		size = m.minBatch
	}

	m.logger.Debug("Computed batch size",
		zap.Float64("memory_used_percent", used),
		zap.Int("batch_size", size),
	)
	return size
}
