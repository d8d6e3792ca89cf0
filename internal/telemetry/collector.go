// Package telemetry runs the background poll loop that keeps the shared
// metrics table fresh.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/depin-agent/nvfs/internal/hardware/gpu"
	"github.com/depin-agent/nvfs/internal/metrics"
)

// DefaultPollInterval is the period between telemetry queries.
const DefaultPollInterval = 5 * time.Second

// ErrZeroTotalMemory is returned when the source reports a device with no
// memory. The cycle is skipped rather than dividing by zero.
var ErrZeroTotalMemory = errors.New("gpu reported zero total memory")

// Status describes the collector's recent history.
type Status struct {
	LastPublish         time.Time
	LastError           error
	ConsecutiveFailures int
	Cycles              uint64
}

// Collector polls a gpu.Source on a fixed interval and publishes every
// successful cycle into a metrics.Table.
type Collector struct {
	source   gpu.Source
	table    *metrics.Table
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	status Status
}

// NewCollector creates a collector. A non-positive interval selects
// DefaultPollInterval and a nil logger discards output.
func NewCollector(source gpu.Source, table *metrics.Table, interval time.Duration, log *zap.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		source:   source,
		table:    table,
		interval: interval,
		log:      log.Named("collector"),
		now:      time.Now,
	}
}

// Interval returns the poll interval.
func (c *Collector) Interval() time.Duration {
	return c.interval
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried
// on the next interval; it never stops the loop. The first poll happens
// immediately.
func (c *Collector) Run(ctx context.Context) {
	c.log.Info("Collector started", zap.Duration("interval", c.interval))
	defer c.log.Info("Collector stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("Telemetry poll failed, keeping previous values",
				zap.String("kind", failureKind(err)),
				zap.Error(err),
			)
		}

		timer.Reset(c.interval)
	}
}

// Poll runs one cycle: query the source, compute the memory percentage, and
// publish all three values at once. On any error the table is unchanged.
func (c *Collector) Poll(ctx context.Context) error {
	sample, err := c.sample(ctx)
	if err == nil {
		err = c.table.Publish(sample, c.now())
	}

	c.mu.Lock()
	c.status.Cycles++
	if err != nil {
		c.status.LastError = err
		c.status.ConsecutiveFailures++
	} else {
		c.status.LastError = nil
		c.status.ConsecutiveFailures = 0
		c.status.LastPublish = c.now()
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.log.Debug("Published GPU metrics",
		zap.Uint64("vram_percent", sample.MemoryUsedPercent),
		zap.Uint64("util_percent", sample.GPUUtilPercent),
		zap.Uint64("temperature_celsius", sample.TemperatureCelsius),
	)
	return nil
}

func (c *Collector) sample(ctx context.Context) (metrics.Sample, error) {
	used, total, err := c.source.QueryMemory(ctx)
	if err != nil {
		return metrics.Sample{}, fmt.Errorf("querying memory: %w", err)
	}
	util, err := c.source.QueryUtilization(ctx)
	if err != nil {
		return metrics.Sample{}, fmt.Errorf("querying utilization: %w", err)
	}
	temp, err := c.source.QueryTemperature(ctx)
	if err != nil {
		return metrics.Sample{}, fmt.Errorf("querying temperature: %w", err)
	}

	if total == 0 {
		return metrics.Sample{}, ErrZeroTotalMemory
	}

	return metrics.Sample{
		MemoryUsedPercent:  usedPercent(used, total),
		GPUUtilPercent:     uint64(util),
		TemperatureCelsius: uint64(temp),
	}, nil
}

// usedPercent returns floor(used*100/total), clamped to 100. The product
// is computed in 128 bits so it is exact for any uint64 input. total must
// be non-zero.
func usedPercent(used, total uint64) uint64 {
	if used >= total {
		return 100
	}
	// used < total implies hi < total, so Div64 cannot panic.
	hi, lo := bits.Mul64(used, 100)
	q, _ := bits.Div64(hi, lo, total)
	return q
}

// Status returns a copy of the collector's recent history.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrZeroTotalMemory), errors.Is(err, metrics.ErrValueTooLong):
		return "invariant_violation"
	default:
		return "source_unavailable"
	}
}
