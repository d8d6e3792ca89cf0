//go:build linux

// This file is only built on Linux where NVML is fully supported.
package gpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLSource implements Source for one device using the NVML library.
type NVMLSource struct {
	index  int
	device nvml.Device

	// mu is held across every NVML call so Close cannot shut NVML down
	// while a query is in flight.
	mu     sync.Mutex
	closed bool
}

// NewNVMLSource initializes NVML and acquires the handle for the device at
// index. The caller must Close the source to shut NVML down.
//
// IMPORTANT: NVML operations involve C library calls with pointer handling.
// The go-nvml library wraps these safely, but we still need to:
// 1. Always initialize NVML before any operations
// 2. Always shutdown NVML when done
// 3. Handle errors from each NVML call individually
func NewNVMLSource(index int) (*NVMLSource, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("%w: nvml init: %s", ErrInitialization, nvml.ErrorString(ret))
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		_ = nvml.Shutdown()
		return nil, fmt.Errorf("%w: device handle %d: %s", ErrInitialization, index, nvml.ErrorString(ret))
	}

	return &NVMLSource{index: index, device: device}, nil
}

// lock acquires mu and returns the device. The caller must unlock mu.
func (s *NVMLSource) lock() (nvml.Device, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: source closed", ErrSourceUnavailable)
	}
	return s.device, nil
}

// QueryMemory implements Source.
func (s *NVMLSource) QueryMemory(ctx context.Context) (uint64, uint64, error) {
	device, err := s.lock()
	if err != nil {
		return 0, 0, err
	}
	defer s.mu.Unlock()
	mem, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("%w: memory info: %s", ErrSourceUnavailable, nvml.ErrorString(ret))
	}
	return mem.Used, mem.Total, nil
}

// QueryUtilization implements Source.
func (s *NVMLSource) QueryUtilization(ctx context.Context) (uint32, error) {
	device, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	util, ret := device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("%w: utilization rates: %s", ErrSourceUnavailable, nvml.ErrorString(ret))
	}
	return util.Gpu, nil
}

// QueryTemperature implements Source.
func (s *NVMLSource) QueryTemperature(ctx context.Context) (uint32, error) {
	device, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("%w: temperature: %s", ErrSourceUnavailable, nvml.ErrorString(ret))
	}
	return temp, nil
}

// Describe implements Describer. Fields NVML cannot report are left empty.
func (s *NVMLSource) Describe(ctx context.Context) (*DeviceInfo, error) {
	device, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	info := &DeviceInfo{Index: s.index}

	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		info.Name = name
	}
	if uuid, ret := device.GetUUID(); ret == nvml.SUCCESS {
		info.UUID = uuid
	}
	if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
		info.TotalVRAM = mem.Total
	}
	if v, ret := nvml.SystemGetDriverVersion(); ret == nvml.SUCCESS {
		info.DriverVersion = v
	}
	if v, ret := nvml.SystemGetNVMLVersion(); ret == nvml.SUCCESS {
		info.NVMLVersion = v
	}

	return info, nil
}

// Close shuts down NVML and releases all resources.
func (s *NVMLSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("failed to shutdown NVML: %s", nvml.ErrorString(ret))
	}
	return nil
}
