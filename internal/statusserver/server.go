// Package statusserver exposes the progress of a run over the standard gRPC
// health checking protocol (grpc.health.v1).
//
// Service "" is SERVING while the run has unterminated jobs. Each slot has its
// own service, trolley.slot.<id>, which turns NOT_SERVING once that slot has
// drained. Any grpc_health_probe style client can watch a run this way.
package statusserver

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/trolley/pkg/types"
)

// OverallService is the health service name covering the whole run.
const OverallService = ""

// SlotService returns the health service name of a slot.
func SlotService(id int) string {
	return fmt.Sprintf("trolley.slot.%d", id)
}

// Server is a gRPC server carrying the health service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
}

// New creates a Server. The overall service starts SERVING.
func New(opts ...grpc.ServerOption) *Server {
	h := health.NewServer()
	g := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(g, h)

	return &Server{
		grpcServer: g,
		health:     h,
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// ListenAndServe listens on addr (e.g. ":50051") and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Observe maps slot progress onto health statuses.
func (s *Server) Observe(_ time.Time, briefs []types.BriefStatus) {
	overall := healthpb.HealthCheckResponse_NOT_SERVING

	for id, b := range briefs {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if !b.Done() {
			status = healthpb.HealthCheckResponse_SERVING
			overall = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(SlotService(id), status)
	}

	s.health.SetServingStatus(OverallService, overall)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
