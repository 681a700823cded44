package units

import (
	"context"
	"time"
)

// Unit is the capability contract every managed unit implements.
// Hooks may block; the orchestrator bounds them with the configured hook timeout
// and cancels ctx when it expires.
type Unit interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (UnitStatus, error)
}

// Coordinator is the optional coordinated operation capability
type Coordinator interface {
	Prepare(ctx context.Context, opType string) error
	Perform(ctx context.Context, opType string, startAt time.Time) (OperationOutcome, error)
}

// Observable is the optional event surface of a unit
type Observable interface {
	Subscribe(handler EventHandler) (unsubscribe func())
}

// UnitStatus is what a unit reports about itself
type UnitStatus struct {
	Health     float64 `json:"health"`
	ErrorCount int     `json:"error_count"`
	RunCount   int     `json:"run_count"`
}

// OperationOutcome is a unit's answer to a coordinated operation
type OperationOutcome struct {
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// AsCoordinator returns the coordinated operation capability of a unit, if it
// declared support at registration and implements the interface.
func AsCoordinator(unit Unit, config UnitConfig) (Coordinator, bool) {
	if !config.SupportsCoordinatedOps {
		return nil, false
	}
	coordinator, ok := unit.(Coordinator)
	return coordinator, ok
}

// ClampHealth keeps a reported health score within [0,1]
func ClampHealth(health float64) float64 {
	if health < 0 {
		return 0
	}
	if health > 1 {
		return 1
	}
	return health
}
