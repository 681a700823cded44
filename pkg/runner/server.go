package runner

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/control"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
	"github.com/core-tools/hsu-orchestrator/pkg/relay"
)

// ServerDeps are the loggers and hooks shared by the outer surfaces
type ServerDeps struct {
	CoreLogger corelogging.Logger
	Logger     logging.Logger
	ZapLogger  *zap.Logger
	Gatherer   prometheus.Gatherer
	OnShutdown func()
}

// Server bundles the outer surfaces of the orchestrator: the gRPC server with
// the core and health services, the optional admin HTTP server and the optional
// Redis event relay
type Server struct {
	grpc        corecontrol.Server
	admin       *control.AdminServer
	relay       *relay.RedisRelay
	redisClient *redis.Client
	logger      logging.Logger
}

func NewServer(o *orchestrator.Orchestrator, config *orchestrator.OrchestratorConfig, deps ServerDeps) (*Server, error) {
	serverOptions := corecontrol.ServerOptions{
		Port: config.Orchestrator.Port,
	}

	grpcServer, err := corecontrol.NewServer(serverOptions, deps.CoreLogger)
	if err != nil {
		return nil, errors.NewInternalError("failed to create server", err).WithContext("port", config.Orchestrator.Port)
	}

	// Register core services
	coreHandler := coredomain.NewDefaultHandler(deps.CoreLogger)
	corecontrol.RegisterGRPCServerHandler(grpcServer.GRPC(), coreHandler, deps.CoreLogger)

	// Register the health service backed by the orchestrator
	control.RegisterGRPCServerHandler(grpcServer.GRPC(), o, logging.ForComponent(deps.Logger, "control"))

	s := &Server{
		grpc:   grpcServer,
		logger: deps.Logger,
	}

	if config.Orchestrator.HTTPPort > 0 {
		s.admin = control.NewAdminServer(o, control.AdminOptions{
			Port:       config.Orchestrator.HTTPPort,
			Gatherer:   deps.Gatherer,
			OnShutdown: deps.OnShutdown,
		}, deps.ZapLogger.Named("admin"))
	}

	if config.Relay.Redis.Enabled {
		s.redisClient = relay.NewClient(config.Relay.Redis)
		s.relay = relay.NewRedisRelay(s.redisClient, o.Bus(), config.Relay.Redis, deps.ZapLogger.Named("relay"))
	}

	return s, nil
}

// Start starts every configured surface. A failure leaves nothing running.
func (s *Server) Start(ctx context.Context) error {
	s.grpc.Start(ctx)
	s.logger.Infof("gRPC server started")

	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			s.Shutdown(context.Background())
			return err
		}
		s.logger.Infof("Admin HTTP server started, addr: %s", s.admin.Addr())
	}

	if s.relay != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			s.relay = nil
			s.Shutdown(context.Background())
			return errors.NewNetworkError("failed to connect to redis", err)
		}
		if err := s.relay.Start(ctx); err != nil {
			s.relay = nil
			s.Shutdown(context.Background())
			return err
		}
		s.logger.Infof("Redis event relay started")
	}

	return nil
}

// Shutdown stops the surfaces in reverse start order. The relay must be stopped
// outside of bus handlers.
func (s *Server) Shutdown(ctx context.Context) {
	if s.relay != nil {
		s.relay.Stop()
		s.logger.Infof("Redis event relay stopped")
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warnf("Failed to close redis client: %v", err)
		}
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			s.logger.Warnf("Failed to shut down admin HTTP server: %v", err)
		}
	}
	s.grpc.Shutdown(ctx)
	s.logger.Infof("gRPC server stopped")
}
