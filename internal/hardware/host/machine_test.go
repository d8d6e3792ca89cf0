package host

import (
	"context"
	"runtime"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollect(t *testing.T) {
	info, err := Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if info.OS != runtime.GOOS {
		t.Errorf("OS = %q, want %q", info.OS, runtime.GOOS)
	}
	if info.CPUThreads <= 0 {
		t.Errorf("CPUThreads = %d", info.CPUThreads)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestFieldEncodesSnapshot(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	info := &HostInfo{Hostname: "gpu-node-1", OS: "linux", CPUThreads: 16, TotalRAM: 64 << 30}

	zap.New(core).Info("Host", info.Field())

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	host, ok := entries[0].ContextMap()["host"].(map[string]interface{})
	if !ok {
		t.Fatalf("host field = %#v", entries[0].ContextMap()["host"])
	}
	if host["hostname"] != "gpu-node-1" {
		t.Errorf("hostname = %v", host["hostname"])
	}
	if host["cpu_threads"] != 16 {
		t.Errorf("cpu_threads = %#v", host["cpu_threads"])
	}
}
