// Package host provides host machine telemetry using gopsutil.
// nvfs logs this snapshot once at startup next to the GPU description.
package host

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	hostinfo "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HostInfo contains information about the host machine.
type HostInfo struct {
	// Hostname is the system hostname
	Hostname string `json:"hostname"`

	// OS is the operating system (e.g., "linux", "darwin")
	OS string `json:"os"`

	// Platform provides more specific OS information (e.g., "ubuntu", "debian")
	Platform string `json:"platform"`

	// KernelVersion is the kernel/OS version
	KernelVersion string `json:"kernel_version"`

	// KernelArch is the kernel architecture (e.g., "x86_64", "aarch64")
	KernelArch string `json:"kernel_arch"`

	// TotalRAM is the total system memory in bytes
	TotalRAM uint64 `json:"total_ram_bytes"`

	// CPUThreads is the number of logical CPU threads
	CPUThreads int `json:"cpu_threads"`

	// CPUModel is the CPU model name (first CPU if multiple)
	CPUModel string `json:"cpu_model"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (h *HostInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("hostname", h.Hostname)
	enc.AddString("os", h.OS)
	enc.AddString("platform", h.Platform)
	enc.AddString("kernel", h.KernelVersion)
	enc.AddString("arch", h.KernelArch)
	enc.AddUint64("total_ram_bytes", h.TotalRAM)
	enc.AddInt("cpu_threads", h.CPUThreads)
	enc.AddString("cpu_model", h.CPUModel)
	return nil
}

// Field returns the snapshot as a single zap field.
func (h *HostInfo) Field() zap.Field {
	return zap.Object("host", h)
}

// Collect gathers the host snapshot. Only the host info query is
// required; memory and CPU details are best effort.
func Collect(ctx context.Context) (*HostInfo, error) {
	// Check context before starting
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("host collection cancelled: %w", ctx.Err())
	default:
	}

	info := &HostInfo{
		OS: runtime.GOOS, // Use Go's runtime for base OS info
	}

	hostStat, err := hostinfo.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host info: %w", err)
	}

	info.Hostname = hostStat.Hostname
	info.Platform = hostStat.Platform
	info.KernelVersion = hostStat.KernelVersion
	info.KernelArch = hostStat.KernelArch

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalRAM = memStat.Total
	}

	logicalCores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		// Fallback to runtime.NumCPU()
		logicalCores = runtime.NumCPU()
	}
	info.CPUThreads = logicalCores

	cpuInfos, err := cpu.InfoWithContext(ctx)
	if err == nil && len(cpuInfos) > 0 {
		info.CPUModel = cpuInfos[0].ModelName
	}

	return info, nil
}
