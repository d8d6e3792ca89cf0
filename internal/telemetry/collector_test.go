package telemetry

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/depin-agent/nvfs/internal/hardware/gpu"
	"github.com/depin-agent/nvfs/internal/metrics"
)

const gib = 1024 * 1024 * 1024

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertValues(t *testing.T, table *metrics.Table, vram, util, temp string) {
	t.Helper()
	snap := table.Snapshot()
	if got := snap.Value(metrics.MemoryUsedPercent); got != vram {
		t.Errorf("vram = %q, want %q", got, vram)
	}
	if got := snap.Value(metrics.GPUUtilPercent); got != util {
		t.Errorf("util = %q, want %q", got, util)
	}
	if got := snap.Value(metrics.TemperatureCelsius); got != temp {
		t.Errorf("temp = %q, want %q", got, temp)
	}
}

func TestPollPublishesFormattedValues(t *testing.T) {
	source := gpu.NewMockSource(gpu.Reading{Used: 2 * gib, Total: 8 * gib, Utilization: 37, Temperature: 65})
	table := metrics.NewTable()
	c := NewCollector(source, table, time.Second, nil)

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	assertValues(t, table, "25\n", "37\n", "65\n")

	status := c.Status()
	if status.LastPublish.IsZero() || status.LastError != nil || status.ConsecutiveFailures != 0 || status.Cycles != 1 {
		t.Errorf("unexpected status after success: %+v", status)
	}
}

func TestPollZeroTotalMemoryKeepsPreviousValues(t *testing.T) {
	source := gpu.NewMockSource(gpu.Reading{Used: 1 * gib, Total: 4 * gib, Utilization: 10, Temperature: 50})
	table := metrics.NewTable()
	c := NewCollector(source, table, time.Second, nil)

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	source.Set(gpu.Reading{Used: 1 * gib, Total: 0, Utilization: 99, Temperature: 99})
	err := c.Poll(context.Background())
	if !errors.Is(err, ErrZeroTotalMemory) {
		t.Fatalf("Poll error = %v, want ErrZeroTotalMemory", err)
	}
	if kind := failureKind(err); kind != "invariant_violation" {
		t.Errorf("failureKind = %q", kind)
	}

	assertValues(t, table, "25\n", "10\n", "50\n")

	status := c.Status()
	if status.ConsecutiveFailures != 1 || !errors.Is(status.LastError, ErrZeroTotalMemory) {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestPollQueryFailureKeepsPreviousValues(t *testing.T) {
	unavailable := gpu.ErrSourceUnavailable
	tests := []struct {
		name                      string
		memErr, utilErr, tempErr error
	}{
		{"memory", unavailable, nil, nil},
		{"utilization", nil, unavailable, nil},
		{"temperature", nil, nil, unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := gpu.NewMockSource(gpu.Reading{Used: 3 * gib, Total: 4 * gib, Utilization: 80, Temperature: 70})
			table := metrics.NewTable()
			c := NewCollector(source, table, time.Second, nil)
			if err := c.Poll(context.Background()); err != nil {
				t.Fatalf("Poll: %v", err)
			}

			source.Set(gpu.Reading{Used: 1 * gib, Total: 4 * gib, Utilization: 1, Temperature: 1})
			source.SetErrors(tt.memErr, tt.utilErr, tt.tempErr)

			err := c.Poll(context.Background())
			if !errors.Is(err, gpu.ErrSourceUnavailable) {
				t.Fatalf("Poll error = %v, want ErrSourceUnavailable", err)
			}
			if kind := failureKind(err); kind != "source_unavailable" {
				t.Errorf("failureKind = %q", kind)
			}
			assertValues(t, table, "75\n", "80\n", "70\n")

			// Recovery on the next cycle.
			source.SetErrors(nil, nil, nil)
			if err := c.Poll(context.Background()); err != nil {
				t.Fatalf("Poll after recovery: %v", err)
			}
			assertValues(t, table, "25\n", "1\n", "1\n")
			if c.Status().ConsecutiveFailures != 0 {
				t.Errorf("ConsecutiveFailures not reset: %+v", c.Status())
			}
		})
	}
}

func TestPollBeforeFirstSuccessLeavesPlaceholder(t *testing.T) {
	source := gpu.NewMockSource(gpu.Reading{})
	source.SetErrors(gpu.ErrSourceUnavailable, nil, nil)
	table := metrics.NewTable()
	c := NewCollector(source, table, time.Second, nil)

	if err := c.Poll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	assertValues(t, table, "", "", "")
}

func TestUsedPercent(t *testing.T) {
	tests := []struct {
		used, total, want uint64
	}{
		{0, 8 * gib, 0},
		{2 * gib, 8 * gib, 25},
		{8*gib - 1, 8 * gib, 99},
		{8 * gib, 8 * gib, 100},
		{9 * gib, 8 * gib, 100},
		{1, 3, 33},
		{math.MaxUint64 / 2, math.MaxUint64, 49},
		{math.MaxUint64 - 1, math.MaxUint64, 99},
		{math.MaxUint64 / 100, math.MaxUint64 / 50, 50},
		{math.MaxUint64/100 + 1, math.MaxUint64, 1},
		{1 << 62, 3 << 62, 33},
	}
	for _, tt := range tests {
		if got := usedPercent(tt.used, tt.total); got != tt.want {
			t.Errorf("usedPercent(%d, %d) = %d, want %d", tt.used, tt.total, got, tt.want)
		}
	}
}

// TestUsedPercentMatchesExactFloor compares against big.Int arithmetic
// across the range where used*100 overflows 64 bits.
func TestUsedPercentMatchesExactFloor(t *testing.T) {
	totals := []uint64{math.MaxUint64, math.MaxUint64 / 3, 1 << 63, 80 * gib, 3}
	for _, total := range totals {
		for _, used := range []uint64{0, 1, total / 7, total / 2, total/100 + 1, total - 1} {
			want := new(big.Int).SetUint64(used)
			want.Mul(want, big.NewInt(100))
			want.Quo(want, new(big.Int).SetUint64(total))
			if got := usedPercent(used, total); got != want.Uint64() {
				t.Errorf("usedPercent(%d, %d) = %d, exact floor %d", used, total, got, want.Uint64())
			}
		}
	}
}

func TestRunLogsFailuresAndKeepsPolling(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	source := gpu.NewMockSource(gpu.Reading{Used: 1, Total: 2, Utilization: 3, Temperature: 4})
	source.SetErrors(nil, nil, gpu.ErrSourceUnavailable)
	table := metrics.NewTable()
	c := NewCollector(source, table, 5*time.Millisecond, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return source.Cycles() >= 3 })

	// Clear the failure; the loop must still be alive to publish.
	source.SetErrors(nil, nil, nil)
	waitFor(t, 2*time.Second, func() bool { return table.Snapshot().Generation > 0 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	failures := logs.FilterMessage("Telemetry poll failed, keeping previous values").All()
	if len(failures) < 3 {
		t.Fatalf("logged %d failures, want at least 3", len(failures))
	}
	if kind := failures[0].ContextMap()["kind"]; kind != "source_unavailable" {
		t.Errorf("kind = %v, want source_unavailable", kind)
	}
	assertValues(t, table, "50\n", "3\n", "4\n")
}

// slowSource blocks in QueryMemory to simulate a query in flight.
type slowSource struct {
	*gpu.MockSource
	delay   time.Duration
	entered chan struct{}
	once    sync.Once
}

func (s *slowSource) QueryMemory(ctx context.Context) (uint64, uint64, error) {
	s.once.Do(func() { close(s.entered) })
	time.Sleep(s.delay)
	return s.MockSource.QueryMemory(ctx)
}

func TestRunStopsWithinOneIntervalWhenCancelledMidCycle(t *testing.T) {
	source := &slowSource{
		MockSource: gpu.NewMockSource(gpu.Reading{Used: 1, Total: 2, Utilization: 3, Temperature: 4}),
		delay:      50 * time.Millisecond,
		entered:    make(chan struct{}),
	}
	interval := 200 * time.Millisecond
	c := NewCollector(source, metrics.NewTable(), interval, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	<-source.entered
	start := time.Now()
	cancel()

	select {
	case <-done:
	case <-time.After(interval + source.delay):
		t.Fatal("Run did not return within one poll interval plus one query")
	}
	if elapsed := time.Since(start); elapsed > interval {
		t.Errorf("shutdown took %v, want under %v", elapsed, interval)
	}
}

// Each cycle publishes counter k into all three metrics, so every value a
// reader observes must be a complete "k\n" for some published k, and a
// snapshot must never mix cycles.
func TestConcurrentReadersObserveOnlyPublishedValues(t *testing.T) {
	source := gpu.NewMockSource(gpu.Reading{Total: 100})
	source.SetStep(func(r gpu.Reading) gpu.Reading {
		next := r.Utilization%99 + 1
		return gpu.Reading{Used: uint64(next), Total: 100, Utilization: next, Temperature: next}
	})
	table := metrics.NewTable()
	c := NewCollector(source, table, time.Microsecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()
	waitFor(t, 2*time.Second, func() bool { return table.Snapshot().Generation > 0 })

	valid := func(v string) bool {
		if v == "" {
			return true
		}
		if v[len(v)-1] != '\n' {
			return false
		}
		n, err := strconv.Atoi(v[:len(v)-1])
		return err == nil && n >= 1 && n <= 99
	}

	var readers sync.WaitGroup
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 5000; i++ {
				snap := table.Snapshot()
				vram := snap.Value(metrics.MemoryUsedPercent)
				if !valid(vram) {
					t.Errorf("invalid value %q", vram)
					return
				}
				if snap.Value(metrics.GPUUtilPercent) != vram || snap.Value(metrics.TemperatureCelsius) != vram {
					t.Errorf("torn snapshot %q", snap.Values)
					return
				}
				for _, n := range metrics.Names {
					if v, _ := table.Value(n); !valid(v) {
						t.Errorf("invalid value %q for %s", v, n)
						return
					}
				}
			}
		}()
	}

	readers.Wait()
	cancel()
	wg.Wait()
}
