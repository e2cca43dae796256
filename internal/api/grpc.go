package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"spreadbot/internal/engine"
	"spreadbot/internal/util"
)

// HealthServiceName is the gRPC health service name of the execution engine.
// The empty name reports the same status.
const HealthServiceName = "spreadbot.Engine"

// HaltSource reports whether trading is halted.
type HaltSource interface {
	HaltState() engine.HaltState
}

// HealthService exposes grpc.health.v1 with the engine reported as
// NOT_SERVING while trading is halted.
type HealthService struct {
	srv    *health.Server
	source HaltSource
	log    *slog.Logger
}

// NewHealthService creates a HealthService and sets its initial status.
func NewHealthService(source HaltSource, log *slog.Logger) *HealthService {
	h := &HealthService{
		srv:    health.NewServer(),
		source: source,
		log:    util.OrDefault(log),
	}
	h.Refresh()
	return h
}

// Register adds the health service to a gRPC server.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh updates the serving status from the current halt state. Safe to
// call on a nil HealthService.
func (h *HealthService) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	if h == nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	status := healthpb.HealthCheckResponse_SERVING
	if hs := h.source.HaltState(); hs.Active {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(HealthServiceName, status)
	return status
}

// Run refreshes the status every interval, so that halts latched inside
// the engine are reported, until ctx is cancelled. It then marks every
// service NOT_SERVING.
func (h *HealthService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := h.Refresh()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			if s := h.Refresh(); s != last {
				h.log.Info("health status changed", "status", s.String())
				last = s
			}
		}
	}
}

// Check reports the status of service, as a gRPC client would see it.
func (h *HealthService) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
