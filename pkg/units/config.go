package units

// UnitConfig is declared at registration
type UnitConfig struct {
	Priority               int      `yaml:"priority" json:"priority"`
	Critical               bool     `yaml:"critical" json:"critical"`
	Dependencies           []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	SupportsCoordinatedOps bool     `yaml:"coordinated_ops" json:"coordinated_ops"`
}

// UnitMetadata describes a unit for status output
type UnitMetadata struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnitState represents the lifecycle state of a managed unit
type UnitState string

const (
	// UnitStateRegistered is the initial state after registration
	UnitStateRegistered UnitState = "registered"

	// UnitStateAwake means the unit started successfully and is serving
	UnitStateAwake UnitState = "awake"

	// UnitStateSleeping means the unit was stopped (by request, shutdown or auto-sleep)
	UnitStateSleeping UnitState = "sleeping"

	// UnitStateError means the unit failed to awaken
	UnitStateError UnitState = "error"
)

// Sleep reasons used by the orchestrator itself
const (
	SleepReasonRequested       = "requested"
	SleepReasonShutdown        = "shutdown"
	SleepReasonEmergency       = "emergency"
	SleepReasonExcessiveErrors = "excessive_errors"
)

// CopyConfig returns a deep copy of the configuration
func CopyConfig(config UnitConfig) UnitConfig {
	copied := config
	if config.Dependencies != nil {
		copied.Dependencies = append([]string(nil), config.Dependencies...)
	}
	return copied
}
