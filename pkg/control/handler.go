package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// RegisterGRPCServerHandler serves the standard gRPC health service backed by
// handler. The service name is a unit ID, or empty for the orchestrator.
func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	healthpb.RegisterHealthServer(grpcServerRegistrar, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	healthpb.UnimplementedHealthServer
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Check(ctx context.Context, request *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	servingStatus, err := h.handler.Health(ctx, request.GetService())
	if err != nil {
		h.logger.Errorf("Health server handler, service: %s, error: %v", request.GetService(), err)
		if errors.IsNotFoundError(err) {
			return nil, status.Errorf(codes.NotFound, "unknown service: %s", request.GetService())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	h.logger.Debugf("Health server handler done, service: %s, status: %s", request.GetService(), servingStatus)
	return &healthpb.HealthCheckResponse{Status: toProto(servingStatus)}, nil
}

func toProto(servingStatus domain.ServingStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch servingStatus {
	case domain.ServingStatusServing:
		return healthpb.HealthCheckResponse_SERVING
	case domain.ServingStatusNotServing:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

func fromProto(servingStatus healthpb.HealthCheckResponse_ServingStatus) domain.ServingStatus {
	switch servingStatus {
	case healthpb.HealthCheckResponse_SERVING:
		return domain.ServingStatusServing
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return domain.ServingStatusNotServing
	default:
		return domain.ServingStatusUnknown
	}
}
