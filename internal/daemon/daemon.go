// Package daemon supervises a running nvfs instance: it mounts the
// filesystem, runs the collector and the optional health service, and
// shuts them down in order when cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/depin-agent/nvfs/internal/hardware/gpu"
	"github.com/depin-agent/nvfs/internal/health"
	"github.com/depin-agent/nvfs/internal/metrics"
	"github.com/depin-agent/nvfs/internal/telemetry"
	"github.com/depin-agent/nvfs/internal/vfs"
)

var (
	// ErrMount wraps a failure to mount the filesystem.
	ErrMount = errors.New("mounting filesystem")

	// ErrHealthListen wraps a failure to bind the health service address.
	ErrHealthListen = errors.New("starting health service")
)

// Server is a mounted filesystem. *fuse.Server satisfies it.
type Server interface {
	// Wait blocks until the filesystem is unmounted.
	Wait()
	// Unmount asks the kernel to detach the filesystem.
	Unmount() error
}

// MountFunc mounts fsys and returns the running server.
type MountFunc func(fsys *vfs.FileSystem) (Server, error)

// FUSEMount returns a MountFunc backed by vfs.Mount.
func FUSEMount(options vfs.MountOptions) MountFunc {
	return func(fsys *vfs.FileSystem) (Server, error) {
		server, err := vfs.Mount(fsys, options)
		if err != nil {
			return nil, err
		}
		return server, nil
	}
}

// Options configures Run.
type Options struct {
	Source       gpu.Source
	PollInterval time.Duration
	Mount        MountFunc

	// HealthAddress enables the gRPC health service when non-empty.
	HealthAddress string

	Logger *zap.Logger
}

// Run mounts the filesystem and serves until ctx is cancelled or the
// filesystem is unmounted from outside. Shutdown cancels the collector,
// waits for it to exit, stops the health service, and only then
// unmounts. If unmounting fails twice, Run returns the error and the
// mount stays attached until it is removed with fusermount -u.
func Run(ctx context.Context, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("daemon")

	table := metrics.NewTable()
	collector := telemetry.NewCollector(opts.Source, table, opts.PollInterval, opts.Logger)

	// Bind the health address before mounting so a bad address fails
	// startup without leaving a mount behind.
	var healthListener net.Listener
	if opts.HealthAddress != "" {
		lis, err := net.Listen("tcp", opts.HealthAddress)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHealthListen, err)
		}
		healthListener = lis
	}

	server, err := opts.Mount(vfs.New(table))
	if err != nil {
		if healthListener != nil {
			healthListener.Close()
		}
		return fmt.Errorf("%w: %v", ErrMount, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		collector.Run(runCtx)
	}()

	healthDone := make(chan error, 1)
	if healthListener != nil {
		hs := health.NewServer(collector, 3*collector.Interval(), opts.Logger)
		go func() {
			healthDone <- hs.Serve(runCtx, healthListener)
		}()
	} else {
		healthDone <- nil
	}

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	externallyUnmounted := false
	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case <-unmounted:
		externallyUnmounted = true
		log.Warn("Filesystem was unmounted externally, shutting down")
	}

	cancel()
	<-collectorDone
	if err := <-healthDone; err != nil {
		log.Error("Health service failed", zap.Error(err))
	}

	if externallyUnmounted {
		return nil
	}

	log.Info("Unmounting filesystem")
	if err := unmount(server, log); err != nil {
		return fmt.Errorf("unmounting filesystem: %w", err)
	}
	<-unmounted
	log.Info("Filesystem unmounted")
	return nil
}

// unmountRetryDelay is the pause before the second unmount attempt.
var unmountRetryDelay = 500 * time.Millisecond

// unmount tries twice, since a reader that still has a file open makes the
// first attempt fail with EBUSY.
func unmount(server Server, log *zap.Logger) error {
	err := server.Unmount()
	if err == nil {
		return nil
	}
	log.Warn("Unmount failed, retrying", zap.Error(err), zap.Duration("delay", unmountRetryDelay))
	time.Sleep(unmountRetryDelay)

	if err := server.Unmount(); err != nil {
		log.Error("Filesystem is still mounted, detach it with fusermount -u", zap.Error(err))
		return err
	}
	return nil
}
