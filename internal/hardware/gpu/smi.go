package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SMISource implements Source using the nvidia-smi CLI tool which comes with
// NVIDIA drivers. It is slower than NVML but needs no shared library.
type SMISource struct {
	index int

	// run executes nvidia-smi with the given arguments and returns stdout.
	// Replaced in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewSMISource creates a source that queries the device at index.
func NewSMISource(index int) *SMISource {
	return &SMISource{index: index, run: runSMI}
}

func runSMI(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("nvidia-smi failed (exit %d): %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("nvidia-smi error: %w", err)
	}
	return stdout.Bytes(), nil
}

// query runs one --query-gpu request and returns the parsed fields of the
// single output record.
func (s *SMISource) query(ctx context.Context, fields ...string) ([]uint64, error) {
	// Command: nvidia-smi --id=N --query-gpu=<fields> --format=csv,noheader,nounits
	out, err := s.run(ctx,
		"--id="+strconv.Itoa(s.index),
		"--query-gpu="+strings.Join(fields, ","),
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	values, err := parseSMIRecord(out, len(fields))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return values, nil
}

// parseSMIRecord parses a single CSV line of unsigned integers.
func parseSMIRecord(out []byte, want int) ([]uint64, error) {
	reader := csv.NewReader(bytes.NewReader(out))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("expected 1 record from nvidia-smi, got %d", len(records))
	}
	record := records[0]
	if len(record) != want {
		return nil, fmt.Errorf("expected %d fields from nvidia-smi, got %d", want, len(record))
	}

	values := make([]uint64, want)
	for i, field := range record {
		// Unsupported fields are reported as "[N/A]" or "[Not Supported]"
		v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %q is not a number", i, field)
		}
		values[i] = v
	}
	return values, nil
}

// QueryMemory implements Source. nvidia-smi reports MiB.
func (s *SMISource) QueryMemory(ctx context.Context) (uint64, uint64, error) {
	v, err := s.query(ctx, "memory.used", "memory.total")
	if err != nil {
		return 0, 0, err
	}
	return v[0] * 1024 * 1024, v[1] * 1024 * 1024, nil
}

// QueryUtilization implements Source.
func (s *SMISource) QueryUtilization(ctx context.Context) (uint32, error) {
	v, err := s.query(ctx, "utilization.gpu")
	if err != nil {
		return 0, err
	}
	return uint32(v[0]), nil
}

// QueryTemperature implements Source.
func (s *SMISource) QueryTemperature(ctx context.Context) (uint32, error) {
	v, err := s.query(ctx, "temperature.gpu")
	if err != nil {
		return 0, err
	}
	return uint32(v[0]), nil
}

// Close is a no-op as nvidia-smi is run on-demand.
func (s *SMISource) Close() error {
	return nil
}
