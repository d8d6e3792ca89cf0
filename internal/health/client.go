package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ClientConfig holds configuration for the health probe client.
type ClientConfig struct {
	// Address is the gRPC target of the nvfs health service (e.g., "localhost:7070")
	Address string

	// Service is the health service name to query; empty means overall status
	Service string

	// MaxRetries is the maximum number of retry attempts for an unreachable service
	MaxRetries int

	// InitialBackoff is the initial backoff duration for retries
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration between retries
	MaxBackoff time.Duration

	// CallTimeout is the timeout for a single Check call
	CallTimeout time.Duration

	// DialOptions are appended to the default options. Used in tests.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Address:        "localhost:7070",
		Service:        ServiceName,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		CallTimeout:    2 * time.Second,
	}
}

// Check queries the health service, retrying while it is unreachable.
// It returns the reported status; NOT_SERVING is a result, not an error.
func Check(ctx context.Context, config *ClientConfig, log *zap.Logger) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Address, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("creating client for %s: %w", config.Address, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check cancelled: %w", ctx.Err())
		default:
		}

		if attempt > 0 {
			log.Info("Retrying health check",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check cancelled: %w", ctx.Err())
			}
			// Exponential backoff with cap
			backoff = time.Duration(math.Min(
				float64(backoff)*2,
				float64(config.MaxBackoff),
			))
		}

		callCtx, cancel := context.WithTimeout(ctx, config.CallTimeout)
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: config.Service})
		cancel()
		if err == nil {
			return resp.GetStatus(), nil
		}

		lastErr = err
		if !retryable(err) {
			break
		}
	}

	return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", lastErr)
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
