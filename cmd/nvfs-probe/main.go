// Package main is a health probe for a running nvfs instance, suitable for
// container healthchecks. It exits 0 when the service reports SERVING.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/depin-agent/nvfs/internal/health"
	"github.com/depin-agent/nvfs/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaults := health.DefaultClientConfig()

	flags := pflag.NewFlagSet("nvfs-probe", pflag.ContinueOnError)
	address := flags.String("address", defaults.Address, "nvfs health service address")
	service := flags.String("service", defaults.Service, "health service name (empty for overall status)")
	retries := flags.Int("retries", defaults.MaxRetries, "retries while the service is unreachable")
	timeout := flags.Duration("timeout", 10*time.Second, "overall probe timeout")
	verbose := flags.Bool("verbose", false, "log retries")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	level := "error"
	if *verbose {
		level = "info"
	}
	log, err := logger.New(true, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 2
	}
	defer logger.Sync(log)

	config := health.DefaultClientConfig()
	config.Address = *address
	config.Service = *service
	config.MaxRetries = *retries

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := health.Check(ctx, config, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *address, err)
		return 1
	}

	fmt.Println(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
