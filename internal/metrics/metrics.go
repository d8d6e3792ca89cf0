// Package metrics holds the shared table of formatted GPU metric values.
// The collector is the only writer; filesystem calls read from it
// concurrently. All three values are replaced under one lock so a reader
// never sees a mix of two poll cycles.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
)

// MaxValueLen is the largest formatted value, newline included, that the
// table accepts. A uint32 needs at most 10 digits plus the newline.
const MaxValueLen = 16

// ErrValueTooLong is returned when a formatted value would exceed MaxValueLen.
var ErrValueTooLong = errors.New("formatted metric value exceeds maximum length")

// Name identifies one of the exported metrics.
type Name int

const (
	// MemoryUsedPercent is device memory in use as a percentage of total.
	MemoryUsedPercent Name = iota
	// GPUUtilPercent is the compute utilization percentage.
	GPUUtilPercent
	// TemperatureCelsius is the GPU core temperature.
	TemperatureCelsius

	numNames
)

// Names lists every metric in a fixed order.
var Names = [numNames]Name{MemoryUsedPercent, GPUUtilPercent, TemperatureCelsius}

func (n Name) String() string {
	switch n {
	case MemoryUsedPercent:
		return "memory_used_percent"
	case GPUUtilPercent:
		return "gpu_util_percent"
	case TemperatureCelsius:
		return "temperature_celsius"
	default:
		return "Name(" + strconv.Itoa(int(n)) + ")"
	}
}

// Valid reports whether n is one of the defined metrics.
func (n Name) Valid() bool {
	return n >= 0 && n < numNames
}

// VirtualFile binds a file name in the mounted root to a metric.
type VirtualFile struct {
	Name   string
	Metric Name
}

// Files is the directory listing order of the mounted root.
var Files = []VirtualFile{
	{Name: "vram", Metric: MemoryUsedPercent},
	{Name: "temp", Metric: TemperatureCelsius},
	{Name: "util", Metric: GPUUtilPercent},
}

// Lookup resolves a file name to its metric.
func Lookup(name string) (Name, bool) {
	for _, f := range Files {
		if f.Name == name {
			return f.Metric, true
		}
	}
	return 0, false
}

// FormatValue renders v as ASCII decimal digits followed by one newline.
func FormatValue(v uint64) (string, error) {
	s := strconv.FormatUint(v, 10) + "\n"
	if len(s) > MaxValueLen {
		return "", fmt.Errorf("%w: %d bytes", ErrValueTooLong, len(s))
	}
	return s, nil
}
