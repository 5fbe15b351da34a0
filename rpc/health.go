package rpc

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const ServiceName = "predict-bus"

// HealthServer reports SERVING for ServiceName while the broker connection
// is alive. It starts out NOT_SERVING.
type HealthServer struct {
	*health.Server
}

func NewHealthServer() *HealthServer {
	s := health.NewServer()
	s.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{Server: s}
}

func (h *HealthServer) Update(alive bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if alive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(ServiceName, status)
}

// Track probes every interval until ctx is done, then marks every service
// NOT_SERVING.
func (h *HealthServer) Track(ctx context.Context, interval time.Duration, alive func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := alive()
	h.Update(last)
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			if now := alive(); now != last {
				log.Warnf("broker alive changed %v -> %v", last, now)
				last = now
				h.Update(now)
			}
		}
	}
}

// NewServer returns a grpc server that serves h and recovers from panics.
func NewServer(h *HealthServer) *grpc.Server {
	server := grpc.NewServer(grpc.UnaryInterceptor(Recovery), grpc.StreamInterceptor(StreamRecovery))
	healthpb.RegisterHealthServer(server, h)

	return server
}
