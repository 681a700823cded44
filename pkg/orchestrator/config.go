package orchestrator

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/coder/quartz"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-orchestrator/pkg/coordination"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
	"github.com/core-tools/hsu-orchestrator/pkg/relay"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
	"github.com/core-tools/hsu-orchestrator/pkg/units/heartbeat"
	"github.com/core-tools/hsu-orchestrator/pkg/units/procunit"
)

const (
	DefaultPort                 = 50055
	DefaultLogLevel             = "info"
	DefaultForceShutdownTimeout = 30 * time.Second
)

// OrchestratorConfig represents the top-level configuration file structure
type OrchestratorConfig struct {
	Orchestrator OrchestratorConfigOptions `yaml:"orchestrator"`
	Relay        RelayConfig               `yaml:"relay,omitempty"`
	Units        []UnitConfigEntry         `yaml:"units"`
}

// OrchestratorConfigOptions represents orchestrator-level configuration.
// Every option can be overridden from the environment.
type OrchestratorConfigOptions struct {
	Port                 int           `yaml:"port" env:"HSU_ORCH_PORT"`
	HTTPPort             int           `yaml:"http_port,omitempty" env:"HSU_ORCH_HTTP_PORT"`
	LogLevel             string        `yaml:"log_level,omitempty" env:"HSU_ORCH_LOG_LEVEL"`
	ErrorThreshold       int           `yaml:"error_threshold,omitempty" env:"HSU_ORCH_ERROR_THRESHOLD"`
	ErrorLogCapacity     int           `yaml:"error_log_capacity,omitempty" env:"HSU_ORCH_ERROR_LOG_CAPACITY"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval,omitempty" env:"HSU_ORCH_HEALTH_CHECK_INTERVAL"`
	EmergencyThreshold   float64       `yaml:"emergency_threshold,omitempty" env:"HSU_ORCH_EMERGENCY_THRESHOLD"`
	MinOperationHealth   float64       `yaml:"min_operation_health,omitempty" env:"HSU_ORCH_MIN_OPERATION_HEALTH"`
	SyncOffset           time.Duration `yaml:"sync_offset,omitempty" env:"HSU_ORCH_SYNC_OFFSET"`
	AmplificationFactor  float64       `yaml:"amplification_factor,omitempty" env:"HSU_ORCH_AMPLIFICATION_FACTOR"`
	HookTimeout          time.Duration `yaml:"hook_timeout,omitempty" env:"HSU_ORCH_HOOK_TIMEOUT"`
	MaxConcurrentHooks   int           `yaml:"max_concurrent_hooks,omitempty" env:"HSU_ORCH_MAX_CONCURRENT_HOOKS"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty" env:"HSU_ORCH_FORCE_SHUTDOWN_TIMEOUT"`
}

type RelayConfig struct {
	Redis relay.RedisConfig `yaml:"redis,omitempty"`
}

// UnitKind selects the built-in unit implementation
type UnitKind string

const (
	UnitKindHeartbeat UnitKind = "heartbeat"
	UnitKindProcess   UnitKind = "process"
)

// UnitConfigEntry represents a single unit configuration
type UnitConfigEntry struct {
	ID             string            `yaml:"id"`
	Kind           UnitKind          `yaml:"kind"`
	Enabled        *bool             `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	Priority       int               `yaml:"priority,omitempty"`
	Critical       bool              `yaml:"critical,omitempty"`
	Dependencies   []string          `yaml:"dependencies,omitempty"`
	CoordinatedOps bool              `yaml:"coordinated_ops,omitempty"`
	Heartbeat      *heartbeat.Config `yaml:"heartbeat,omitempty"`
	Process        *procunit.Config  `yaml:"process,omitempty"`
}

// UnitConfig returns the registration declaration of the entry
func (e UnitConfigEntry) UnitConfig() units.UnitConfig {
	return units.UnitConfig{
		Priority:               e.Priority,
		Critical:               e.Critical,
		Dependencies:           append([]string(nil), e.Dependencies...),
		SupportsCoordinatedOps: e.CoordinatedOps,
	}
}

// IsEnabled reports whether the entry should be registered
func (e UnitConfigEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ConfiguredUnit is a unit built from configuration, ready for registration
type ConfiguredUnit struct {
	ID     string
	Unit   units.Unit
	Config units.UnitConfig
}

// LoadConfigFromFile loads orchestrator configuration from a YAML file and
// applies environment overrides
func LoadConfigFromFile(filename string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to load configuration", err).WithContext("filename", filename)
	}
	return config, nil
}

// ParseConfig parses YAML configuration, applies environment overrides and defaults
func ParseConfig(data []byte) (*OrchestratorConfig, error) {
	var config OrchestratorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	setConfigDefaults(&config)
	return &config, nil
}

func applyEnvOverrides(config *OrchestratorConfig) error {
	if err := env.Parse(&config.Orchestrator); err != nil {
		return errors.NewValidationError("failed to apply environment overrides", err)
	}
	if err := env.Parse(&config.Relay.Redis); err != nil {
		return errors.NewValidationError("failed to apply relay environment overrides", err)
	}
	return nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *OrchestratorConfig) {
	options := &config.Orchestrator
	if options.Port == 0 {
		options.Port = DefaultPort
	}
	if options.LogLevel == "" {
		options.LogLevel = DefaultLogLevel
	}
	if options.ErrorThreshold == 0 {
		options.ErrorThreshold = registry.DefaultErrorThreshold
	}
	if options.ErrorLogCapacity == 0 {
		options.ErrorLogCapacity = registry.DefaultErrorLogCapacity
	}
	if options.HealthCheckInterval == 0 {
		options.HealthCheckInterval = monitoring.DefaultInterval
	}
	if options.EmergencyThreshold == 0 {
		options.EmergencyThreshold = monitoring.DefaultEmergencyThreshold
	}
	if options.MinOperationHealth == 0 {
		options.MinOperationHealth = coordination.DefaultMinOperationHealth
	}
	if options.SyncOffset == 0 {
		options.SyncOffset = coordination.DefaultSyncOffset
	}
	if options.AmplificationFactor == 0 {
		options.AmplificationFactor = coordination.DefaultAmplificationFactor
	}
	if options.HookTimeout == 0 {
		options.HookTimeout = lifecycle.DefaultHookTimeout
	}
	if options.ForceShutdownTimeout == 0 {
		options.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}

	relay.SetRedisDefaults(&config.Relay.Redis)

	for i := range config.Units {
		entry := &config.Units[i]

		// Default enabled to true if not specified
		if entry.Enabled == nil {
			enabled := true
			entry.Enabled = &enabled
		}
		if entry.Kind == UnitKindHeartbeat && entry.Heartbeat == nil {
			entry.Heartbeat = &heartbeat.Config{}
		}
		if entry.Kind == UnitKindProcess && entry.Process != nil && entry.Process.GracefulTimeout == 0 {
			entry.Process.GracefulTimeout = procunit.DefaultGracefulTimeout
		}
	}
}

// Options converts the configuration into orchestrator options
func (c OrchestratorConfigOptions) Options() Options {
	return Options{
		ErrorThreshold:      c.ErrorThreshold,
		ErrorLogCapacity:    c.ErrorLogCapacity,
		HealthCheckInterval: c.HealthCheckInterval,
		EmergencyThreshold:  c.EmergencyThreshold,
		MinOperationHealth:  c.MinOperationHealth,
		SyncOffset:          c.SyncOffset,
		AmplificationFactor: c.AmplificationFactor,
		HookTimeout:         c.HookTimeout,
		MaxConcurrentHooks:  c.MaxConcurrentHooks,
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *OrchestratorConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateOrchestratorConfig(&config.Orchestrator); err != nil {
		return errors.NewValidationError("invalid orchestrator configuration", err)
	}

	if err := relay.ValidateRedisConfig(config.Relay.Redis); err != nil {
		return errors.NewValidationError("invalid relay configuration", err)
	}

	if err := validateUnitsConfig(config.Units); err != nil {
		return errors.NewValidationError("invalid units configuration", err)
	}

	return nil
}

func validateOrchestratorConfig(config *OrchestratorConfigOptions) error {
	if config.Port <= 0 || config.Port > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid port number: %d", config.Port),
			nil,
		).WithContext("valid_range", "1-65535")
	}

	if config.HTTPPort < 0 || config.HTTPPort > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid http port number: %d", config.HTTPPort),
			nil,
		).WithContext("valid_range", "0-65535")
	}

	if _, err := logging.ParseLevel(config.LogLevel); err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", config.LogLevel),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if config.ErrorThreshold < 0 || config.ErrorLogCapacity < 0 || config.MaxConcurrentHooks < 0 {
		return errors.NewValidationError("error threshold, error log capacity and hook concurrency cannot be negative", nil)
	}

	if config.HealthCheckInterval < 0 || config.SyncOffset < 0 || config.HookTimeout < 0 || config.ForceShutdownTimeout < 0 {
		return errors.NewValidationError("durations cannot be negative", nil)
	}

	for name, value := range map[string]float64{
		"emergency_threshold":  config.EmergencyThreshold,
		"min_operation_health": config.MinOperationHealth,
	} {
		if value < 0 || value > 1 {
			return errors.NewValidationError(
				fmt.Sprintf("%s must be between 0 and 1, got %v", name, value),
				nil,
			).WithContext("option", name)
		}
	}

	if config.AmplificationFactor < 0 {
		return errors.NewValidationError("amplification factor cannot be negative", nil)
	}

	return nil
}

func validateUnitsConfig(entries []UnitConfigEntry) error {
	seenIDs := make(map[string]int)
	for i, entry := range entries {
		if err := registry.ValidateUnitID(entry.ID); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid unit ID at index %d", i),
				err,
			).WithContext("unit_id", entry.ID)
		}

		if prevIndex, exists := seenIDs[entry.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate unit ID '%s' found at indices %d and %d", entry.ID, prevIndex, i),
				nil,
			)
		}
		seenIDs[entry.ID] = i

		for _, dependency := range entry.Dependencies {
			if dependency == entry.ID {
				return errors.NewValidationError(
					fmt.Sprintf("unit '%s' cannot depend on itself", entry.ID),
					nil,
				).WithContext("unit_id", entry.ID)
			}
			if err := registry.ValidateUnitID(dependency); err != nil {
				return errors.NewValidationError(
					fmt.Sprintf("invalid dependency ID for unit at index %d", i),
					err,
				).WithContext("unit_id", entry.ID).WithContext("dependency", dependency)
			}
		}

		if err := validateUnitKindConfig(entry); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid unit configuration at index %d", i),
				err,
			).WithContext("unit_id", entry.ID).WithContext("unit_kind", string(entry.Kind))
		}
	}

	return nil
}

func validateUnitKindConfig(entry UnitConfigEntry) error {
	switch entry.Kind {
	case UnitKindHeartbeat:
		if entry.Heartbeat == nil {
			return errors.NewValidationError("heartbeat configuration is required for heartbeat unit", nil)
		}
		return heartbeat.ValidateConfig(*entry.Heartbeat)

	case UnitKindProcess:
		if entry.Process == nil {
			return errors.NewValidationError("process configuration is required for process unit", nil)
		}
		if entry.Process.GracefulTimeout < 0 {
			return errors.NewValidationError("graceful timeout cannot be negative", nil)
		}
		// Disabled process units may reference executables absent on this host
		if !entry.IsEnabled() {
			return nil
		}
		return process.ValidateExecutionConfig(entry.Process.Execution)

	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported unit kind: %s", entry.Kind),
			nil,
		).WithContext("supported_kinds", "heartbeat, process")
	}
}

// CreateUnitsFromConfig creates unit instances from configuration, ordered by
// descending priority and then by file order
func CreateUnitsFromConfig(config *OrchestratorConfig, clock quartz.Clock, logger logging.Logger) ([]ConfiguredUnit, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	var configured []ConfiguredUnit
	for i, entry := range config.Units {
		// Skip disabled units (only skip if explicitly set to false)
		if !entry.IsEnabled() {
			logger.Infof("Skipping disabled unit, id: %s", entry.ID)
			continue
		}

		unit, err := createUnitFromConfig(entry, clock, logger)
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("failed to create unit at index %d", i),
				err,
			).WithContext("unit_id", entry.ID).WithContext("unit_index", fmt.Sprintf("%d", i))
		}

		configured = append(configured, ConfiguredUnit{
			ID:     entry.ID,
			Unit:   unit,
			Config: entry.UnitConfig(),
		})
	}

	sort.SliceStable(configured, func(i, j int) bool {
		return configured[i].Config.Priority > configured[j].Config.Priority
	})

	return configured, nil
}

func createUnitFromConfig(entry UnitConfigEntry, clock quartz.Clock, logger logging.Logger) (units.Unit, error) {
	unitLogger := logging.ForUnit(logger, entry.ID)

	switch entry.Kind {
	case UnitKindHeartbeat:
		config := heartbeat.Config{}
		if entry.Heartbeat != nil {
			config = *entry.Heartbeat
		}
		return heartbeat.New(entry.ID, config, clock, unitLogger), nil

	case UnitKindProcess:
		if entry.Process == nil {
			return nil, errors.NewValidationError("process configuration is required for process unit", nil)
		}
		return procunit.New(entry.ID, *entry.Process, clock, unitLogger), nil

	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported unit kind: %s", entry.Kind),
			nil,
		).WithContext("supported_kinds", "heartbeat, process")
	}
}
