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

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	grpcClient := healthpb.NewHealthClient(grpcClientConnection)
	return &grpcClientGateway{
		grpcClient: grpcClient,
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func (gw *grpcClientGateway) Health(ctx context.Context, unitID string) (domain.ServingStatus, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: unitID})
	if err != nil {
		gw.logger.Errorf("Health client gateway, service: %s, error: %v", unitID, err)
		if status.Code(err) == codes.NotFound {
			return domain.ServingStatusUnknown, errors.NewNotFoundError("unit not found", err).WithContext("unit_id", unitID)
		}
		return domain.ServingStatusUnknown, errors.NewIOError("health check call failed", err)
	}
	gw.logger.Debugf("Health client gateway done, service: %s", unitID)
	return fromProto(response.GetStatus()), nil
}
