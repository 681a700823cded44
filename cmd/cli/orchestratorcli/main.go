package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-orchestrator/pkg/control"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	ServerPath string   `long:"server" description:"path to the server executable"`
	AttachPort int      `long:"port" description:"port to attach to the server"`
	Units      []string `long:"unit" description:"unit to query, may be repeated"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	logger := sprintfLogging.NewStdSprintfLogger()

	logger.Infof("opts: %+v", opts)

	if opts.ServerPath == "" && opts.AttachPort == 0 {
		fmt.Println("Server path or attach port is required")
		os.Exit(1)
	}

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})
	orchestratorLogger := logging.NewLogger(
		logPrefix("hsu-orchestrator"), logging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})

	coreConnectionOptions := coreControl.ConnectionOptions{
		ServerPath: opts.ServerPath,
		AttachPort: opts.AttachPort,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, coreLogger)
	if err != nil {
		logger.Errorf("Failed to create core connection: %v", err)
		os.Exit(1)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)
	healthClientGateway := control.NewGRPCClientGateway(coreConnection.GRPC(), orchestratorLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 10,
		RetryInterval: 1 * time.Second,
	}
	err = coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger)
	if err != nil {
		logger.Errorf("Failed to ping orchestrator: %v", err)
		os.Exit(1)
	}

	status, err := healthClientGateway.Health(ctx, "")
	if err != nil {
		logger.Errorf("Failed to get orchestrator health: %v", err)
		os.Exit(1)
	}
	logger.Infof("Orchestrator: %s", status)

	failed := false
	for _, unitID := range opts.Units {
		status, err := healthClientGateway.Health(ctx, unitID)
		if err != nil {
			logger.Errorf("Failed to get unit health, id: %s, error: %v", unitID, err)
			failed = true
			continue
		}
		logger.Infof("Unit %s: %s", unitID, status)
	}

	if failed {
		os.Exit(1)
	}
	logger.Infof("Done")
}
