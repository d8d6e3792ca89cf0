package gpu

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"nvml", KindNVML, false},
		{" SMI ", KindSMI, false},
		{"mock", KindMock, false},
		{"rocm", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestOpenMock(t *testing.T) {
	src, err := Open(context.Background(), KindMock, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	used, total, err := src.QueryMemory(context.Background())
	if err != nil {
		t.Fatalf("QueryMemory: %v", err)
	}
	if total == 0 || used > total {
		t.Errorf("synthetic memory used=%d total=%d", used, total)
	}
	util, err := src.QueryUtilization(context.Background())
	if err != nil || util > 100 {
		t.Errorf("QueryUtilization = %d, %v", util, err)
	}
}

func TestOpenSMIFailureIsInitialization(t *testing.T) {
	// Only meaningful where nvidia-smi is absent or fails; skip otherwise.
	src, err := Open(context.Background(), KindSMI, 0)
	if err == nil {
		src.Close()
		t.Skip("nvidia-smi is available on this machine")
	}
	if !errors.Is(err, ErrInitialization) {
		t.Errorf("Open(smi) error = %v, want ErrInitialization", err)
	}
}

func TestMockSourceErrorsAndStep(t *testing.T) {
	ctx := context.Background()
	m := NewMockSource(Reading{Used: 1, Total: 4, Utilization: 5, Temperature: 50})
	m.SetStep(func(r Reading) Reading {
		r.Used++
		return r
	})

	used, total, err := m.QueryMemory(ctx)
	if err != nil || used != 2 || total != 4 {
		t.Fatalf("QueryMemory = %d, %d, %v", used, total, err)
	}

	boom := errors.New("boom")
	m.SetErrors(nil, boom, nil)
	if _, err := m.QueryUtilization(ctx); !errors.Is(err, boom) {
		t.Errorf("QueryUtilization error = %v, want boom", err)
	}
	if temp, err := m.QueryTemperature(ctx); err != nil || temp != 50 {
		t.Errorf("QueryTemperature = %d, %v", temp, err)
	}
	if m.Cycles() != 1 {
		t.Errorf("Cycles = %d, want 1", m.Cycles())
	}

	m.Close()
	if !m.Closed() {
		t.Error("Closed = false after Close")
	}
}

func fakeSMI(out string, err error) func(context.Context, ...string) ([]byte, error) {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestSMISourceQueries(t *testing.T) {
	ctx := context.Background()
	var gotArgs []string
	s := &SMISource{index: 1, run: func(ctx context.Context, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("2048, 8192\n"), nil
	}}

	used, total, err := s.QueryMemory(ctx)
	if err != nil {
		t.Fatalf("QueryMemory: %v", err)
	}
	if used != 2048*1024*1024 || total != 8192*1024*1024 {
		t.Errorf("QueryMemory = %d, %d", used, total)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "--id=1") || !strings.Contains(joined, "--query-gpu=memory.used,memory.total") {
		t.Errorf("unexpected args: %v", gotArgs)
	}

	s.run = fakeSMI("37\n", nil)
	if util, err := s.QueryUtilization(ctx); err != nil || util != 37 {
		t.Errorf("QueryUtilization = %d, %v", util, err)
	}

	s.run = fakeSMI("65\n", nil)
	if temp, err := s.QueryTemperature(ctx); err != nil || temp != 65 {
		t.Errorf("QueryTemperature = %d, %v", temp, err)
	}
}

func TestSMISourceFailures(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		out  string
		err  error
	}{
		{"command failed", "", errors.New("exit status 9")},
		{"not supported", "[N/A]\n", nil},
		{"empty output", "", nil},
		{"two devices", "37\n40\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SMISource{run: fakeSMI(tt.out, tt.err)}
			_, err := s.QueryUtilization(ctx)
			if !errors.Is(err, ErrSourceUnavailable) {
				t.Errorf("error = %v, want ErrSourceUnavailable", err)
			}
		})
	}
}
