//go:build !linux

// This file is built on platforms other than Linux (e.g., macOS)
// where NVML is not available.
package gpu

import (
	"context"
	"fmt"
	"runtime"
)

// NVMLSource is unavailable on this platform.
type NVMLSource struct{}

// NewNVMLSource always fails on platforms without NVML.
func NewNVMLSource(index int) (*NVMLSource, error) {
	return nil, fmt.Errorf("%w: %w (%s)", ErrInitialization, ErrUnsupportedPlatform, runtime.GOOS)
}

func (s *NVMLSource) QueryMemory(ctx context.Context) (uint64, uint64, error) {
	return 0, 0, ErrUnsupportedPlatform
}

func (s *NVMLSource) QueryUtilization(ctx context.Context) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}

func (s *NVMLSource) QueryTemperature(ctx context.Context) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}

// Close is a no-op on unsupported platforms.
func (s *NVMLSource) Close() error {
	return nil
}
