package gpu

import (
	"context"
	"sync"
)

// Reading is one set of raw values returned by a MockSource.
type Reading struct {
	Used        uint64
	Total       uint64
	Utilization uint32
	Temperature uint32
}

// MockSource is an in-memory Source. It backs the "mock" source kind for
// machines without an NVIDIA GPU and serves as the test double for the
// collector.
type MockSource struct {
	mu      sync.Mutex
	reading Reading
	memErr  error
	utilErr error
	tempErr error

	// step, if set, advances the reading at the start of every poll cycle
	// (each QueryMemory call).
	step func(Reading) Reading

	cycles int
	closed bool
}

// NewMockSource returns a source that reports r until changed.
func NewMockSource(r Reading) *MockSource {
	return &MockSource{reading: r}
}

// NewSyntheticSource returns a mock shaped like a 24 GiB card whose load
// drifts slowly between cycles.
func NewSyntheticSource() *MockSource {
	const gib = 1024 * 1024 * 1024
	m := NewMockSource(Reading{Used: 2 * gib, Total: 24 * gib, Utilization: 10, Temperature: 45})
	m.SetStep(func(r Reading) Reading {
		r.Utilization = (r.Utilization + 7) % 101
		r.Used = r.Total / 100 * uint64(r.Utilization)
		r.Temperature = 40 + r.Utilization/4
		return r
	})
	return m
}

// Set replaces the reading returned by subsequent queries.
func (m *MockSource) Set(r Reading) {
	m.mu.Lock()
	m.reading = r
	m.mu.Unlock()
}

// SetErrors makes the corresponding queries fail. A nil error clears it.
func (m *MockSource) SetErrors(memErr, utilErr, tempErr error) {
	m.mu.Lock()
	m.memErr, m.utilErr, m.tempErr = memErr, utilErr, tempErr
	m.mu.Unlock()
}

// SetStep installs a function applied to the reading at the start of each
// poll cycle.
func (m *MockSource) SetStep(fn func(Reading) Reading) {
	m.mu.Lock()
	m.step = fn
	m.mu.Unlock()
}

// Cycles returns how many times QueryMemory has been called.
func (m *MockSource) Cycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

// Closed reports whether Close was called.
func (m *MockSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// QueryMemory implements Source.
func (m *MockSource) QueryMemory(ctx context.Context) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	if m.step != nil {
		m.reading = m.step(m.reading)
	}
	if m.memErr != nil {
		return 0, 0, m.memErr
	}
	return m.reading.Used, m.reading.Total, nil
}

// QueryUtilization implements Source.
func (m *MockSource) QueryUtilization(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.utilErr != nil {
		return 0, m.utilErr
	}
	return m.reading.Utilization, nil
}

// QueryTemperature implements Source.
func (m *MockSource) QueryTemperature(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tempErr != nil {
		return 0, m.tempErr
	}
	return m.reading.Temperature, nil
}

// Describe implements Describer.
func (m *MockSource) Describe(ctx context.Context) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &DeviceInfo{
		Name:          "Mock NVIDIA GeForce RTX 4090",
		UUID:          "GPU-MOCK-1234-5678-90AB-CDEF",
		TotalVRAM:     m.reading.Total,
		DriverVersion: "535.104",
		NVMLVersion:   "Mock NVML",
	}, nil
}

// Close implements Source.
func (m *MockSource) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
