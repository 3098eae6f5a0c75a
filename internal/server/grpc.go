package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tbos/internal/obs"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "tbos.v0"

// NewGRPCServer returns a gRPC server exposing grpc.health.v1.Health and the
// health server whose status WatchHealth keeps current.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchHealth pings the store every interval and flips the serving status
// accordingly until ctx ends.
func WatchHealth(ctx context.Context, hs *health.Server, ping func(context.Context) error, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger = obs.OrNop(logger)
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := ping(pctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn("health: store ping failed", zap.Error(err))
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(ServiceName, status)
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
