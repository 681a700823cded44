package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
)

type RunOptions struct {
	// RunDuration stops the orchestrator after the given time, 0 runs until signalled
	RunDuration time.Duration
	ConfigFile  string
	// LogFormat is "console" or "json"
	LogFormat string
}

func Run(options RunOptions) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if options.RunDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	config, err := LoadAndValidateConfig(options.ConfigFile)
	if err != nil {
		return err
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = config.Orchestrator.LogLevel
	if options.LogFormat != "" {
		zapConfig.Format = options.LogFormat
	}
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		return errors.NewValidationError("failed to create logger", err).WithContext("log_level", zapConfig.Level)
	}
	defer func() { _ = backend.Sync() }()

	logger := logging.NewLogger("hsu-orchestrator: ", backend.Funcs)
	coreLogger := coreLogging.NewLogger("hsu-core: ", coreLogging.LogFuncs{
		Debugf: coreLogging.LogFunc(backend.Funcs.Debugf),
		Infof:  coreLogging.LogFunc(backend.Funcs.Infof),
		Warnf:  coreLogging.LogFunc(backend.Funcs.Warnf),
		Errorf: coreLogging.LogFunc(backend.Funcs.Errorf),
	})

	logger.Infof("Orchestrator runner starting...")
	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
	}
	logger.Infof("Configuration loaded successfully from %s", options.ConfigFile)
	logger.Infof("Orchestrator port: %d, HTTP port: %d, units: %d",
		config.Orchestrator.Port, config.Orchestrator.HTTPPort, len(config.Units))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	o, err := NewOrchestratorFromConfig(config, quartz.NewReal(), metrics.NewCollector(registry), logger)
	if err != nil {
		return err
	}

	adminShutdown := make(chan struct{})
	var adminShutdownOnce sync.Once
	server, err := NewServer(o, config, ServerDeps{
		CoreLogger: coreLogger,
		Logger:     logger,
		ZapLogger:  backend.Logger,
		Gatherer:   registry,
		OnShutdown: func() { adminShutdownOnce.Do(func() { close(adminShutdown) }) },
	})
	if err != nil {
		return err
	}

	// An emergency shutdown raised by the health monitor or the kernel ends the run
	emergency := make(chan string, 1)
	unsubscribe := o.Bus().Subscribe(events.OrchestratorEmergencyShutdown, func(event events.Event) {
		reason, _ := event.Data["reason"].(string)
		select {
		case emergency <- reason:
		default:
		}
	})
	defer unsubscribe()

	if err := o.Initialize(ctx); err != nil {
		return errors.NewInternalError("failed to initialize orchestrator", err)
	}

	if err := server.Start(ctx); err != nil {
		o.ShutdownEmergency(context.Background(), "Server start failed")
		return err
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Orchestrator is ready, awakening units...")

	stopAwakening := awakenUnits(ctx, o, logger)
	defer stopAwakening()

	select {
	case receivedSignal := <-sig:
		logger.Infof("Orchestrator runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Orchestrator runner timed out")
	case <-adminShutdown:
		logger.Infof("Orchestrator runner received shutdown request")
	case reason := <-emergency:
		logger.Warnf("Orchestrator runner observed emergency shutdown, reason: %s", reason)
	}

	stopAwakening()

	// Reset context to background to enable graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Orchestrator.ForceShutdownTimeout)
	defer shutdownCancel()

	stopOrchestrator(shutdownCtx, o, logger)
	server.Shutdown(shutdownCtx)

	logger.Infof("Orchestrator runner stopped")
	return nil
}

// awakenUnits awakens every unit in the background. The returned stop cancels
// the awakening, interrupting a start hook in flight, and waits for it to return.
// Calling stop more than once is safe.
func awakenUnits(ctx context.Context, o *orchestrator.Orchestrator, logger logging.Logger) (stop func()) {
	awakenCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := o.AwakenAll(awakenCtx); err != nil {
			logger.Errorf("Failed to awaken units: %v", err)
			return
		}
		logger.Infof("All units awakened, orchestrator is fully operational")
	}()

	return func() {
		cancel()
		logger.Infof("Waiting for awakening to finish...")
		wg.Wait()
	}
}

func stopOrchestrator(ctx context.Context, o *orchestrator.Orchestrator, logger logging.Logger) {
	state := o.State()
	if state == orchestrator.StateStopping || state == orchestrator.StateStopped {
		logger.Infof("Orchestrator already %s", state)
		return
	}

	err := o.ShutdownGraceful(ctx)
	if err == nil {
		return
	}
	logger.Errorf("Graceful shutdown completed with errors: %v", err)
	if ctx.Err() != nil {
		o.ShutdownEmergency(context.Background(), "Forced shutdown timeout exceeded")
	}
}

// NewOrchestratorFromConfig creates the orchestrator and registers every enabled
// unit of the configuration
func NewOrchestratorFromConfig(config *orchestrator.OrchestratorConfig, clock quartz.Clock, recorder metrics.Recorder, logger logging.Logger) (*orchestrator.Orchestrator, error) {
	options := config.Orchestrator.Options()
	options.Clock = clock
	options.Metrics = recorder

	o := orchestrator.NewOrchestrator(options, logger)

	configured, err := orchestrator.CreateUnitsFromConfig(config, clock, logger)
	if err != nil {
		return nil, errors.NewValidationError("failed to create units from configuration", err)
	}

	logger.Infof("Created %d units", len(configured))

	for _, unit := range configured {
		if err := o.RegisterUnit(unit.ID, unit.Unit, unit.Config); err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("failed to register unit: %s", unit.ID),
				err,
			).WithContext("unit_id", unit.ID)
		}
	}

	return o, nil
}

// LoadAndValidateConfig loads a configuration file and validates it
func LoadAndValidateConfig(configFile string) (*orchestrator.OrchestratorConfig, error) {
	config, err := orchestrator.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := orchestrator.ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return config, nil
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	_, err := LoadAndValidateConfig(configFile)
	return err
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *orchestrator.OrchestratorConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		Port:         config.Orchestrator.Port,
		HTTPPort:     config.Orchestrator.HTTPPort,
		LogLevel:     config.Orchestrator.LogLevel,
		RelayEnabled: config.Relay.Redis.Enabled,
		Units:        make([]UnitSummary, 0, len(config.Units)),
	}

	for _, entry := range config.Units {
		unitSummary := UnitSummary{
			ID:           entry.ID,
			Kind:         string(entry.Kind),
			Enabled:      entry.IsEnabled(),
			Priority:     entry.Priority,
			Critical:     entry.Critical,
			Dependencies: entry.Dependencies,
		}
		if entry.Kind == orchestrator.UnitKindProcess && entry.Process != nil {
			unitSummary.ExecutablePath = entry.Process.Execution.ExecutablePath
		}

		summary.Units = append(summary.Units, unitSummary)
		if unitSummary.Enabled {
			summary.EnabledUnits++
		}
	}
	summary.TotalUnits = len(summary.Units)

	return summary
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	Port         int           `json:"port"`
	HTTPPort     int           `json:"http_port"`
	LogLevel     string        `json:"log_level"`
	RelayEnabled bool          `json:"relay_enabled"`
	TotalUnits   int           `json:"total_units"`
	EnabledUnits int           `json:"enabled_units"`
	Units        []UnitSummary `json:"units"`
	Error        string        `json:"error,omitempty"`
}

// UnitSummary provides a summary of unit configuration
type UnitSummary struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	Enabled        bool     `json:"enabled"`
	Priority       int      `json:"priority"`
	Critical       bool     `json:"critical"`
	Dependencies   []string `json:"dependencies,omitempty"`
	ExecutablePath string   `json:"executable_path,omitempty"`
}
