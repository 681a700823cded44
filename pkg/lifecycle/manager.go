package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/graph"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const (
	// FarewellOperation is attempted once by a graceful shutdown
	FarewellOperation = "farewell"

	// EmergencyReasonHealth is used when the health monitor escalates
	EmergencyReasonHealth = "Critical health threshold exceeded"

	DefaultHookTimeout = 30 * time.Second

	farewellHealthThreshold = 0.5
)

// Emitter publishes orchestrator events
type Emitter interface {
	Publish(eventType string, data map[string]interface{}) events.Event
}

// HealthSource provides the collective health used to decide on a farewell
type HealthSource interface {
	CalculateCollectiveHealth() float64
}

// OperationFunc runs a coordinated operation
type OperationFunc func(ctx context.Context, opType string, participants []string) error

type Options struct {
	// HookTimeout bounds every Start/Stop call, 0 disables the bound
	HookTimeout time.Duration
	Clock       quartz.Clock
	Metrics     metrics.Recorder
}

// Manager starts and stops units in dependency order.
// At most one lifecycle operation runs per unit at a time.
type Manager struct {
	options  Options
	registry *registry.Registry
	emitter  Emitter
	logger   logging.Logger

	health    HealthSource
	operation OperationFunc

	unitLocks sync.Map // id -> *sync.Mutex

	// haltReason is the sleep reason of the shutdown that halted awakening
	haltReason atomic.Pointer[string]
}

func NewManager(reg *registry.Registry, emitter Emitter, options Options, logger logging.Logger) *Manager {
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNopRecorder()
	}
	return &Manager{
		options:  options,
		registry: reg,
		emitter:  emitter,
		logger:   logger,
	}
}

// SetFarewell wires the collaborators of the graceful shutdown farewell
func (m *Manager) SetFarewell(health HealthSource, operation OperationFunc) {
	m.health = health
	m.operation = operation
}

// Halt stops any awakening in progress or started later. A unit whose start hook
// completes after Halt is put back to sleep with reason. Halting is permanent.
func (m *Manager) Halt(reason string) {
	if m.haltReason.CompareAndSwap(nil, &reason) {
		m.logger.Infof("Awakening halted, reason: %s", reason)
	}
}

// Halted reports whether Halt was called
func (m *Manager) Halted() bool {
	return m.haltReason.Load() != nil
}

func (m *Manager) haltedError(id string) error {
	return errors.NewCancelledError("awakening halted by shutdown", nil).
		WithContext("unit_id", id).WithContext("reason", *m.haltReason.Load())
}

// AwakenAll awakens every unit in dependency order. A failing critical unit aborts
// the sequence; units awakened before it stay awake.
func (m *Manager) AwakenAll(ctx context.Context) error {
	order := m.registry.Order()
	m.logger.Infof("Awakening units, order: %v", order)

	awakened := 0
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelledError("awakening was cancelled", err)
		}
		if m.Halted() {
			m.logger.Warnf("Awakening halted, remaining units are not started, next: %s", id)
			return m.haltedError(id)
		}

		if m.registry.IsAwake(id) {
			continue
		}

		_, config, err := m.registry.Unit(id)
		if err != nil {
			return err
		}

		if err := m.AwakenOne(ctx, id); err != nil {
			if m.Halted() {
				return err
			}
			if config.Critical {
				m.logger.Errorf("Critical unit failed to awaken, aborting, id: %s, error: %v", id, err)
				return errors.NewCriticalUnitFailure("critical unit failed to awaken", err).WithContext("unit_id", id)
			}
			m.logger.Warnf("Unit failed to awaken, continuing, id: %s, error: %v", id, err)
			continue
		}
		awakened++
	}

	m.logger.Infof("Units awakened, awakened: %d, awake: %d, total: %d", awakened, m.registry.AwakeUnits(), m.registry.TotalUnits())
	return nil
}

// AwakenOne starts a single unit once all its dependencies are awake.
// Awakening an awake unit is a no-op.
func (m *Manager) AwakenOne(ctx context.Context, id string) error {
	if err := m.awakenOne(ctx, id); err != nil {
		return err
	}

	// A shutdown sweeping the units while the start hook ran skips this unit
	if reason := m.haltReason.Load(); reason != nil && m.registry.IsAwake(id) {
		m.logger.Warnf("Unit awakened after shutdown began, putting it back to sleep, id: %s", id)
		if err := m.SleepOne(context.WithoutCancel(ctx), id, *reason); err != nil && !m.busyWhileHalted(err) {
			m.logger.Errorf("Failed to put late unit to sleep, id: %s, error: %v", id, err)
		}
		return m.haltedError(id)
	}
	return nil
}

func (m *Manager) awakenOne(ctx context.Context, id string) error {
	unit, config, err := m.registry.Unit(id)
	if err != nil {
		return err
	}

	unlock, err := m.lockUnit(id)
	if err != nil {
		return err
	}
	defer unlock()

	if m.registry.IsAwake(id) {
		return nil
	}
	if m.Halted() {
		return m.haltedError(id)
	}
	if err := m.registry.ValidateOperation(id, registry.OperationAwaken); err != nil {
		return err
	}

	for _, dep := range config.Dependencies {
		if !m.registry.IsAwake(dep) {
			return errors.NewDependencyNotReadyError(fmt.Sprintf("dependency '%s' is not awake", dep), nil).
				WithContext("unit_id", id).WithContext("dependency", dep)
		}
	}

	m.logger.Infof("Awakening unit, id: %s", id)

	startedAt := m.options.Clock.Now()
	err = units.CallHookErr(ctx, m.options.HookTimeout, id, "start", unit.Start)
	elapsed := m.options.Clock.Since(startedAt)

	if err != nil {
		if transitionErr := m.registry.MarkError(id, err); transitionErr != nil {
			m.logger.Errorf("Failed to transition unit to error state, id: %s, error: %v", id, transitionErr)
		}
		if _, recordErr := m.registry.RecordError(id, err); recordErr != nil {
			m.logger.Errorf("Failed to record unit error, id: %s, error: %v", id, recordErr)
		}
		m.options.Metrics.UnitAwakenFailed(id)
		m.logger.Errorf("Failed to awaken unit, id: %s, elapsed: %v, error: %v", id, elapsed, err)
		return errors.NewUnitError("unit failed to awaken", err).WithContext("unit_id", id)
	}

	if err := m.registry.MarkAwake(id); err != nil {
		return errors.NewInternalError("failed to transition unit to awake state", err).WithContext("unit_id", id)
	}

	m.options.Metrics.UnitAwakened(id, elapsed)
	m.emitter.Publish(events.UnitAwakened, map[string]interface{}{
		"id":        id,
		"elapsedMs": elapsed.Milliseconds(),
	})
	m.logger.Infof("Unit awakened, id: %s, elapsed: %v", id, elapsed)
	return nil
}

// SleepOne stops an awake unit; it is a no-op for units that are not awake.
// Awake dependents are only warned about. A failing stop hook still leaves the
// unit sleeping and the failure is recorded and returned.
func (m *Manager) SleepOne(ctx context.Context, id string, reason string) error {
	unit, _, err := m.registry.Unit(id)
	if err != nil {
		return err
	}

	unlock, err := m.lockUnit(id)
	if err != nil {
		return err
	}
	defer unlock()

	if !m.registry.IsAwake(id) {
		m.logger.Debugf("Unit is not awake, nothing to do, id: %s, reason: %s", id, reason)
		return nil
	}

	if reason != units.SleepReasonEmergency {
		var awakeDependents []string
		for _, dependent := range m.registry.Dependents(id) {
			if m.registry.IsAwake(dependent) {
				awakeDependents = append(awakeDependents, dependent)
			}
		}
		if len(awakeDependents) > 0 {
			m.logger.Warnf("Putting unit to sleep while dependents are awake, id: %s, dependents: %v", id, awakeDependents)
		}
	}

	m.logger.Infof("Putting unit to sleep, id: %s, reason: %s", id, reason)

	stopErr := units.CallHookErr(ctx, m.options.HookTimeout, id, "stop", unit.Stop)

	if err := m.registry.MarkSleeping(id, reason, stopErr); err != nil {
		return errors.NewInternalError("failed to transition unit to sleeping state", err).WithContext("unit_id", id)
	}
	m.options.Metrics.UnitSlept(id, reason)
	m.emitter.Publish(events.UnitSleeping, map[string]interface{}{
		"id":     id,
		"reason": reason,
	})

	if stopErr != nil {
		if _, recordErr := m.registry.RecordError(id, stopErr); recordErr != nil {
			m.logger.Errorf("Failed to record unit error, id: %s, error: %v", id, recordErr)
		}
		m.logger.Errorf("Unit did not stop cleanly, id: %s, error: %v", id, stopErr)
		return errors.NewUnitError("unit failed to stop cleanly", stopErr).WithContext("unit_id", id)
	}

	m.logger.Infof("Unit sleeping, id: %s, reason: %s", id, reason)
	return nil
}

// HandleUnitError records a runtime error of a unit and puts the unit to sleep
// once its error log exceeds the error threshold.
func (m *Manager) HandleUnitError(ctx context.Context, id string, cause error) error {
	exceeded, err := m.registry.RecordError(id, cause)
	if err != nil {
		return err
	}
	m.options.Metrics.UnitErrorRecorded(id)
	m.logger.Debugf("Unit error recorded, id: %s, error: %v", id, cause)

	if exceeded && m.registry.IsAwake(id) {
		m.logger.Warnf("Unit exceeded error threshold, id: %s, threshold: %d", id, m.registry.ErrorThreshold())
		return m.SleepOne(ctx, id, units.SleepReasonExcessiveErrors)
	}
	return nil
}

// ShutdownGraceful attempts a farewell operation while the system is healthy enough,
// then puts every unit to sleep in reverse dependency order.
func (m *Manager) ShutdownGraceful(ctx context.Context) error {
	m.logger.Infof("Graceful shutdown started")

	if m.health != nil && m.operation != nil && m.registry.AwakeUnits() > 0 {
		if health := m.health.CalculateCollectiveHealth(); health > farewellHealthThreshold {
			if err := m.operation(ctx, FarewellOperation, nil); err != nil {
				m.logger.Warnf("Farewell operation failed, error: %v", err)
			}
		} else {
			m.logger.Infof("Skipping farewell operation, collective health: %.2f", health)
		}
	}

	errorCollection := errors.NewErrorCollection()
	for _, id := range graph.Reverse(m.registry.Order()) {
		if err := m.SleepOne(ctx, id, units.SleepReasonShutdown); err != nil {
			if m.busyWhileHalted(err) {
				m.logger.Infof("Unit is busy, its pending operation puts it to sleep, id: %s", id)
				continue
			}
			m.logger.Errorf("Failed to put unit to sleep during shutdown, id: %s, error: %v", id, err)
			errorCollection.Add(err)
		}
	}

	if errorCollection.HasErrors() {
		m.logger.Errorf("Graceful shutdown completed with errors: %v", errorCollection.Error())
		return errorCollection.ToError()
	}

	m.logger.Infof("Graceful shutdown completed")
	return nil
}

// ShutdownEmergency puts every unit to sleep in reverse order without dependent
// warnings. It never fails: per-unit errors and panics are logged and skipped.
// Stop hooks are called even when ctx is already cancelled.
func (m *Manager) ShutdownEmergency(ctx context.Context, reason string) {
	m.logger.Errorf("Emergency shutdown, reason: %s", reason)

	hookCtx := context.WithoutCancel(ctx)
	for _, id := range graph.Reverse(m.registry.Order()) {
		m.sleepForEmergency(hookCtx, id)
	}

	m.options.Metrics.EmergencyShutdown()
	m.publishSafely(events.OrchestratorEmergencyShutdown, map[string]interface{}{
		"reason": reason,
	})
	m.logger.Errorf("Emergency shutdown completed, reason: %s", reason)
}

func (m *Manager) sleepForEmergency(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Panic while putting unit to sleep, id: %s, panic: %v", id, r)
		}
	}()
	if err := m.SleepOne(ctx, id, units.SleepReasonEmergency); err != nil {
		if m.busyWhileHalted(err) {
			m.logger.Warnf("Unit is busy, its pending operation puts it to sleep, id: %s", id)
			return
		}
		m.logger.Errorf("Failed to put unit to sleep during emergency, id: %s, error: %v", id, err)
	}
}

// busyWhileHalted reports a unit held by another lifecycle operation after Halt;
// that operation leaves the unit sleeping when it completes.
func (m *Manager) busyWhileHalted(err error) bool {
	return m.Halted() && errors.IsOperationInProgressError(err)
}

func (m *Manager) publishSafely(eventType string, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Panic while publishing event, type: %s, panic: %v", eventType, r)
		}
	}()
	m.emitter.Publish(eventType, data)
}

// lockUnit serializes lifecycle operations on one unit. A unit that is busy (for
// example emitting an error from inside its own start hook) is reported instead of
// waited for.
func (m *Manager) lockUnit(id string) (func(), error) {
	value, _ := m.unitLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	if !mutex.TryLock() {
		return nil, errors.NewOperationInProgressError("another lifecycle operation is in progress for unit", nil).WithContext("unit_id", id)
	}
	return mutex.Unlock, nil
}
