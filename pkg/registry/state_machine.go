package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// Unit operations validated by the state machine
const (
	OperationRegister = "register"
	OperationAwaken   = "awaken"
	OperationSleep    = "sleep"
)

const maxTransitionHistory = 64

// StateTransition represents a state transition with metadata
type StateTransition struct {
	From      units.UnitState `json:"from"`
	To        units.UnitState `json:"to"`
	Operation string          `json:"operation"`
	Timestamp time.Time       `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
}

// StateMachine manages unit state transitions with validation
type StateMachine struct {
	unitID           string
	currentState     units.UnitState
	transitions      []StateTransition
	validTransitions map[units.UnitState][]units.UnitState
	clock            quartz.Clock
	mutex            sync.RWMutex
	logger           logging.Logger
}

// NewStateMachine creates a state machine in the registered state
func NewStateMachine(unitID string, clock quartz.Clock, logger logging.Logger) *StateMachine {
	sm := &StateMachine{
		unitID:       unitID,
		currentState: units.UnitStateRegistered,
		clock:        clock,
		logger:       logger,
	}

	sm.validTransitions = map[units.UnitState][]units.UnitState{
		units.UnitStateRegistered: {
			units.UnitStateAwake, // awaken success
			units.UnitStateError, // awaken failure
		},
		units.UnitStateAwake: {
			units.UnitStateSleeping, // sleep, shutdown, auto-sleep
		},
		units.UnitStateSleeping: {
			units.UnitStateAwake, // re-awaken
			units.UnitStateError, // re-awaken failure
		},
		units.UnitStateError: {
			units.UnitStateAwake, // retry after failure
			units.UnitStateError, // retry failure
		},
	}

	sm.transitions = []StateTransition{{
		To:        units.UnitStateRegistered,
		Operation: OperationRegister,
		Timestamp: clock.Now(),
	}}

	return sm
}

// CurrentState returns the current state of the unit
func (sm *StateMachine) CurrentState() units.UnitState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

// CanTransition checks if a state transition is valid
func (sm *StateMachine) CanTransition(to units.UnitState) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.canTransitionUnsafe(to)
}

// Transition attempts to transition to a new state with validation
func (sm *StateMachine) Transition(to units.UnitState, operation string, cause error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	from := sm.currentState

	if !sm.canTransitionUnsafe(to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from %s to %s for operation %s", from, to, operation),
			nil,
		).WithContext("unit_id", sm.unitID).WithContext("current_state", string(from)).WithContext("target_state", string(to))
	}

	transition := StateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: sm.clock.Now(),
	}
	if cause != nil {
		transition.Error = cause.Error()
	}

	sm.transitions = append(sm.transitions, transition)
	if len(sm.transitions) > maxTransitionHistory {
		sm.transitions = sm.transitions[len(sm.transitions)-maxTransitionHistory:]
	}
	sm.currentState = to

	if cause != nil {
		sm.logger.Warnf("Unit state transition failed, unit: %s, %s->%s, operation: %s, error: %v",
			sm.unitID, from, to, operation, cause)
	} else {
		sm.logger.Debugf("Unit state transition, unit: %s, %s->%s, operation: %s",
			sm.unitID, from, to, operation)
	}

	return nil
}

func (sm *StateMachine) canTransitionUnsafe(to units.UnitState) bool {
	for _, validState := range sm.validTransitions[sm.currentState] {
		if validState == to {
			return true
		}
	}
	return false
}

// TransitionHistory returns a copy of the recorded transitions, oldest first
func (sm *StateMachine) TransitionHistory() []StateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]StateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}

// IsOperationAllowed checks if a specific operation is allowed in current state
func (sm *StateMachine) IsOperationAllowed(operation string) bool {
	switch operation {
	case OperationAwaken:
		return sm.CanTransition(units.UnitStateAwake)
	case OperationSleep:
		return sm.CurrentState() == units.UnitStateAwake
	default:
		return false
	}
}

// ValidateOperation checks if an operation can be performed and returns descriptive error
func (sm *StateMachine) ValidateOperation(operation string) error {
	if sm.IsOperationAllowed(operation) {
		return nil
	}

	currentState := sm.CurrentState()
	return errors.NewValidationError(
		fmt.Sprintf("operation '%s' not allowed in current state '%s'", operation, currentState),
		nil,
	).WithContext("unit_id", sm.unitID).WithContext("current_state", string(currentState)).WithContext("operation", operation)
}
