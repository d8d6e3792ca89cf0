// Package main is the entry point for nvfs.
// It mounts a read-only filesystem exposing live GPU telemetry and keeps it
// updated until interrupted.

// go run ./cmd/nvfs --source=mock /tmp/gpu
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/depin-agent/nvfs/internal/config"
	"github.com/depin-agent/nvfs/internal/daemon"
	"github.com/depin-agent/nvfs/internal/hardware/gpu"
	"github.com/depin-agent/nvfs/internal/hardware/host"
	"github.com/depin-agent/nvfs/internal/vfs"
	"github.com/depin-agent/nvfs/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration first
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		// Can't use logger yet, so use fmt
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		fmt.Fprintln(os.Stderr, "Usage: nvfs [flags] <mountpoint>")
		return 1
	}

	log, err := logger.New(cfg.DevMode, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync(log)

	log.Info("Starting nvfs",
		zap.String("config", cfg.String()),
	)

	// This context is cancelled on SIGINT or SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("Received shutdown signal",
				zap.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
		}
	}()

	kind, err := gpu.ParseKind(cfg.Source)
	if err != nil {
		log.Error("Invalid telemetry source", zap.Error(err))
		return 1
	}

	source, err := gpu.Open(ctx, kind, cfg.DeviceIndex)
	if err != nil {
		log.Error("Failed to initialize telemetry source",
			zap.String("source", string(kind)),
			zap.Error(err),
		)
		return 1
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Warn("Failed to close telemetry source", zap.Error(err))
		}
	}()

	logDiagnostics(ctx, source, log)

	err = daemon.Run(ctx, daemon.Options{
		Source:        source,
		PollInterval:  cfg.PollInterval,
		HealthAddress: cfg.HealthAddress,
		Logger:        log,
		Mount: daemon.FUSEMount(vfs.MountOptions{
			Mountpoint:   cfg.Mountpoint,
			FsName:       cfg.FsName,
			AllowOther:   cfg.AllowOther,
			AttrTimeout:  cfg.AttrTimeout,
			EntryTimeout: cfg.EntryTimeout,
			Debug:        cfg.DebugFUSE,
			Logger:       log,
		}),
	})
	if err != nil {
		log.Error("nvfs stopped with error", zap.Error(err))
		return 1
	}

	log.Info("nvfs shut down")
	return 0
}

// logDiagnostics logs the host and device the filesystem will describe.
// Failures here never stop startup.
func logDiagnostics(ctx context.Context, source gpu.Source, log *zap.Logger) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	hostInfo, err := host.Collect(dctx)
	if err != nil {
		log.Warn("Host collection failed", zap.Error(err))
	} else {
		log.Info("Host detected", hostInfo.Field())
	}

	describer, ok := source.(gpu.Describer)
	if !ok {
		return
	}
	info, err := describer.Describe(dctx)
	if err != nil {
		log.Warn("Failed to describe GPU", zap.Error(err))
		return
	}
	log.Info("GPU detected",
		zap.Int("index", info.Index),
		zap.String("name", info.Name),
		zap.String("uuid", info.UUID),
		zap.Float64("vram_gb", float64(info.TotalVRAM)/(1024*1024*1024)),
		zap.String("driver_version", info.DriverVersion),
		zap.String("nvml_version", info.NVMLVersion),
	)
}
