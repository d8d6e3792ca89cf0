// Package gpu provides NVIDIA GPU telemetry sources.
// It defines the Source interface queried by the telemetry collector and
// implementations backed by NVML, the nvidia-smi CLI, and a synthetic mock.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable marks a transient query failure. The caller
	// should retry on the next poll.
	ErrSourceUnavailable = errors.New("gpu telemetry source unavailable")

	// ErrInitialization marks a failure to initialize the monitoring
	// library or acquire the device handle. It is fatal at startup.
	ErrInitialization = errors.New("gpu telemetry initialization failed")

	// ErrUnsupportedPlatform is returned by NVML on platforms without it.
	ErrUnsupportedPlatform = errors.New("NVML is not supported on this platform")
)

// Source is the interface for querying a single GPU.
// Each query is independently fallible. Using an interface allows for easy
// mocking in unit tests.
type Source interface {
	// QueryMemory returns used and total device memory in bytes.
	QueryMemory(ctx context.Context) (used, total uint64, err error)

	// QueryUtilization returns the compute utilization percentage (0-100).
	QueryUtilization(ctx context.Context) (uint32, error)

	// QueryTemperature returns the GPU core temperature in Celsius.
	QueryTemperature(ctx context.Context) (uint32, error)

	// Close releases any resources held by the source.
	Close() error
}

// Describer is implemented by sources that can report static device
// information for startup diagnostics.
type Describer interface {
	Describe(ctx context.Context) (*DeviceInfo, error)
}

// DeviceInfo contains static information about the exported GPU.
type DeviceInfo struct {
	// Index is the GPU index as reported by NVML (0-based)
	Index int `json:"index"`

	// Name is the product name of the GPU (e.g., "NVIDIA GeForce RTX 4090")
	Name string `json:"name"`

	// UUID is the unique identifier for this GPU
	UUID string `json:"uuid"`

	// TotalVRAM is the total video memory in bytes
	TotalVRAM uint64 `json:"total_vram_bytes"`

	DriverVersion string `json:"driver_version"`
	NVMLVersion   string `json:"nvml_version,omitempty"`
}

// Kind names a Source implementation in configuration.
type Kind string

const (
	KindNVML Kind = "nvml"
	KindSMI  Kind = "smi"
	KindMock Kind = "mock"
)

// ParseKind validates a configured source name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindNVML, KindSMI, KindMock:
		return k, nil
	default:
		return "", fmt.Errorf("unknown gpu source %q: must be one of nvml, smi, mock", s)
	}
}

// Open creates the Source of the given kind for the device at index.
// Initialization failures wrap ErrInitialization.
func Open(ctx context.Context, kind Kind, index int) (Source, error) {
	switch kind {
	case KindNVML:
		s, err := NewNVMLSource(index)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindSMI:
		s := NewSMISource(index)
		if _, err := s.QueryTemperature(ctx); err != nil {
			return nil, fmt.Errorf("%w: probing nvidia-smi: %v", ErrInitialization, err)
		}
		return s, nil
	case KindMock:
		return NewSyntheticSource(), nil
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrInitialization, kind)
	}
}
