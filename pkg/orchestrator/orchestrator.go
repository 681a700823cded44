package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/core-tools/hsu-orchestrator/pkg/coordination"
	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// EventSource is the source name of events published by the orchestrator
const EventSource = "orchestrator"

// KernelEmergencyReason is used when a kernel emergency carries no reason
const KernelEmergencyReason = "Kernel emergency"

type Options struct {
	ErrorThreshold      int
	ErrorLogCapacity    int
	HealthCheckInterval time.Duration
	EmergencyThreshold  float64
	MinOperationHealth  float64
	SyncOffset          time.Duration
	AmplificationFactor float64
	HookTimeout         time.Duration
	MaxConcurrentHooks  int
	Clock               quartz.Clock
	Metrics             metrics.Recorder
}

// State represents the current state of the orchestrator
type State string

const (
	// StateNotStarted is the initial state before Initialize is called
	StateNotStarted State = "not_started"

	// StateRunning means the orchestrator accepts lifecycle operations
	StateRunning State = "running"

	// StateStopping means a shutdown is in progress
	StateStopping State = "stopping"

	// StateStopped means a shutdown has completed
	StateStopped State = "stopped"
)

// Status is the full observable state of the orchestrator
type Status struct {
	State   State                            `json:"state"`
	PerUnit map[string]registry.UnitSnapshot `json:"per_unit"`
	Metrics StatusMetrics                    `json:"metrics"`
	Health  *monitoring.HealthSnapshot       `json:"health"`
}

// StatusMetrics are the aggregate counters of the orchestrator
type StatusMetrics struct {
	TotalUnits          int                   `json:"total_units"`
	AwakeUnits          int                   `json:"awake_units"`
	Order               []string              `json:"order"`
	CollectiveHealth    float64               `json:"collective_health"`
	Resonance           float64               `json:"resonance"`
	OperationInProgress bool                  `json:"operation_in_progress"`
	ActiveOperation     *coordination.Session `json:"active_operation,omitempty"`
}

// Orchestrator is the facade owning the registry and the components acting on it
type Orchestrator struct {
	options   Options
	logger    logging.Logger
	registry  *registry.Registry
	bus       *events.Bus
	lifecycle *lifecycle.Manager
	monitor   *monitoring.HealthMonitor
	barrier   *coordination.Barrier

	mutex             sync.Mutex
	state             State
	baseCtx           context.Context
	unitUnsubscribers map[string]func()
	kernelUnsubscribe []func()
}

func NewOrchestrator(options Options, logger logging.Logger) *Orchestrator {
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNopRecorder()
	}

	reg := registry.NewRegistry(registry.Options{
		ErrorThreshold:   options.ErrorThreshold,
		ErrorLogCapacity: options.ErrorLogCapacity,
		Clock:            options.Clock,
	}, logging.ForComponent(logger, "registry"))

	bus := events.NewBus(EventSource, options.Clock, logger)

	manager := lifecycle.NewManager(reg, bus, lifecycle.Options{
		HookTimeout: options.HookTimeout,
		Clock:       options.Clock,
		Metrics:     options.Metrics,
	}, logging.ForComponent(logger, "lifecycle"))

	monitor := monitoring.NewHealthMonitor(reg, bus, monitoring.Options{
		Interval:           options.HealthCheckInterval,
		EmergencyThreshold: options.EmergencyThreshold,
		HookTimeout:        options.HookTimeout,
		Clock:              options.Clock,
		Metrics:            options.Metrics,
	}, logging.ForComponent(logger, "health"))

	barrier := coordination.NewBarrier(reg, monitor, coordination.Options{
		MinOperationHealth:  options.MinOperationHealth,
		SyncOffset:          options.SyncOffset,
		AmplificationFactor: options.AmplificationFactor,
		MaxConcurrentHooks:  options.MaxConcurrentHooks,
		HookTimeout:         options.HookTimeout,
		Clock:               options.Clock,
		Metrics:             options.Metrics,
	}, logging.ForComponent(logger, "coordination"))

	o := &Orchestrator{
		options:           options,
		logger:            logger,
		registry:          reg,
		bus:               bus,
		lifecycle:         manager,
		monitor:           monitor,
		barrier:           barrier,
		state:             StateNotStarted,
		baseCtx:           context.Background(),
		unitUnsubscribers: make(map[string]func()),
	}

	barrier.SetErrorRecorder(manager)
	monitor.SetErrorRecorder(manager)
	manager.SetFarewell(monitor, func(ctx context.Context, opType string, participants []string) error {
		result, err := barrier.CoordinateOperation(ctx, opType, participants)
		if err != nil {
			return err
		}
		o.publishOperationComplete(result)
		return nil
	})
	monitor.SetEmergencyCallback(func(ctx context.Context, reason string) {
		o.ShutdownEmergency(ctx, reason)
	})

	return o
}

// Initialize subscribes to kernel events and starts the health monitor
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mutex.Lock()
	if o.state != StateNotStarted {
		state := o.state
		o.mutex.Unlock()
		return errors.NewValidationError(
			fmt.Sprintf("orchestrator can only be initialized once, current state: %s", state), nil,
		).WithContext("orchestrator_state", string(state))
	}
	o.state = StateRunning
	o.baseCtx = context.WithoutCancel(ctx)
	o.kernelUnsubscribe = []func(){
		o.bus.Subscribe(events.KernelEmergency, o.handleKernelEmergency),
		o.bus.Subscribe(events.KernelOperationRequest, o.handleKernelOperationRequest),
	}
	o.mutex.Unlock()

	o.logger.Infof("Initializing orchestrator, units: %d", o.registry.TotalUnits())

	if err := o.monitor.Start(ctx); err != nil {
		return errors.NewInternalError("failed to start health monitor", err)
	}

	o.logger.Infof("Orchestrator initialized")
	return nil
}

// RegisterUnit registers a unit and subscribes to its events when it is observable
func (o *Orchestrator) RegisterUnit(id string, unit units.Unit, config units.UnitConfig) error {
	if unit == nil {
		return errors.NewValidationError("unit cannot be nil", nil).WithContext("unit_id", id)
	}
	if err := o.ensureNotStopping("register unit"); err != nil {
		return err
	}

	if err := o.registry.Register(id, unit, config); err != nil {
		return err
	}

	if observable, ok := unit.(units.Observable); ok {
		unsubscribe := observable.Subscribe(func(event units.Event) {
			o.handleUnitEvent(id, event)
		})
		o.mutex.Lock()
		o.unitUnsubscribers[id] = unsubscribe
		o.mutex.Unlock()
		o.logger.Debugf("Subscribed to unit events, id: %s", id)
	}
	return nil
}

// AwakenAll awakens every registered unit in dependency order
func (o *Orchestrator) AwakenAll(ctx context.Context) error {
	if err := o.ensureRunning("awaken units"); err != nil {
		return err
	}
	return o.lifecycle.AwakenAll(ctx)
}

// AwakenUnit awakens a single unit, e.g. one put to sleep earlier
func (o *Orchestrator) AwakenUnit(ctx context.Context, id string) error {
	if err := o.ensureRunning("awaken unit"); err != nil {
		return err
	}
	return o.lifecycle.AwakenOne(ctx, id)
}

func (o *Orchestrator) SleepUnit(ctx context.Context, id string, reason string) error {
	if err := o.ensureNotStopping("sleep unit"); err != nil {
		return err
	}
	if reason == "" {
		reason = units.SleepReasonRequested
	}
	return o.lifecycle.SleepOne(ctx, id, reason)
}

// CoordinateOperation runs a coordinated operation across awake units
func (o *Orchestrator) CoordinateOperation(ctx context.Context, opType string, participants []string) (coordination.OperationResult, error) {
	if err := o.ensureRunning("coordinate operation"); err != nil {
		return coordination.OperationResult{}, err
	}

	result, err := o.barrier.CoordinateOperation(ctx, opType, participants)
	if err != nil {
		return result, err
	}
	o.publishOperationComplete(result)
	return result, nil
}

func (o *Orchestrator) PerformHealthCheck(ctx context.Context) (monitoring.HealthSnapshot, error) {
	if err := o.ensureNotStopping("perform health check"); err != nil {
		return monitoring.HealthSnapshot{}, err
	}
	return o.monitor.PerformHealthCheck(ctx), nil
}

// ShutdownGraceful stops the health monitor and puts every unit to sleep in
// reverse dependency order. It can only run once.
func (o *Orchestrator) ShutdownGraceful(ctx context.Context) error {
	if err := o.beginShutdown("graceful shutdown"); err != nil {
		return err
	}

	o.logger.Infof("Stopping orchestrator...")
	o.monitor.Stop()

	err := o.lifecycle.ShutdownGraceful(ctx)

	o.unsubscribeUnits()
	o.setState(StateStopped)
	o.logger.Infof("Orchestrator stopped")
	return err
}

// ShutdownEmergency puts every unit to sleep immediately. It never fails and may
// be called repeatedly, from any state.
func (o *Orchestrator) ShutdownEmergency(ctx context.Context, reason string) {
	o.mutex.Lock()
	if o.state == StateRunning || o.state == StateNotStarted {
		o.state = StateStopping
	}
	o.mutex.Unlock()
	o.lifecycle.Halt(units.SleepReasonEmergency)
	o.unsubscribeKernel()

	// Cancel does not wait: this may run inside a health check
	o.monitor.Cancel()

	o.lifecycle.ShutdownEmergency(ctx, reason)

	o.unsubscribeUnits()
	o.setState(StateStopped)
}

// GetStatus returns the per-unit state, aggregate metrics and the latest health
// snapshot. It is available in every orchestrator state.
func (o *Orchestrator) GetStatus() Status {
	snapshots := o.registry.Snapshots()
	perUnit := make(map[string]registry.UnitSnapshot, len(snapshots))
	for _, snapshot := range snapshots {
		perUnit[snapshot.ID] = snapshot
	}

	return Status{
		State:   o.State(),
		PerUnit: perUnit,
		Metrics: StatusMetrics{
			TotalUnits:          o.registry.TotalUnits(),
			AwakeUnits:          o.registry.AwakeUnits(),
			Order:               o.registry.Order(),
			CollectiveHealth:    o.monitor.CalculateCollectiveHealth(),
			Resonance:           o.monitor.Resonance(),
			OperationInProgress: o.barrier.InProgress(),
			ActiveOperation:     o.barrier.ActiveSession(),
		},
		Health: o.monitor.LastSnapshot(),
	}
}

// GetUnit returns the snapshot of a single unit
func (o *Orchestrator) GetUnit(id string) (registry.UnitSnapshot, error) {
	return o.registry.Snapshot(id)
}

// Health reports the orchestrator as serving while it is running, and a unit as
// serving while it is awake and its last reported health is not low.
func (o *Orchestrator) Health(ctx context.Context, unitID string) (domain.ServingStatus, error) {
	if unitID == "" {
		if o.State() == StateRunning {
			return domain.ServingStatusServing, nil
		}
		return domain.ServingStatusNotServing, nil
	}

	snapshot, err := o.registry.Snapshot(unitID)
	if err != nil {
		return domain.ServingStatusUnknown, err
	}
	if snapshot.State != units.UnitStateAwake {
		return domain.ServingStatusNotServing, nil
	}
	if snapshot.HealthScore != nil && *snapshot.HealthScore < monitoring.LowHealthThreshold {
		return domain.ServingStatusNotServing, nil
	}
	return domain.ServingStatusServing, nil
}

// State returns the current state of the orchestrator
func (o *Orchestrator) State() State {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.state
}

// Bus returns the event bus carrying orchestrator and kernel events
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

func (o *Orchestrator) handleUnitEvent(id string, event units.Event) {
	switch event.Kind {
	case units.EventError:
		cause := event.Err
		if cause == nil {
			cause = errors.NewUnitError(event.Message, nil).WithContext("unit_id", id)
		}
		if err := o.lifecycle.HandleUnitError(o.context(), id, cause); err != nil {
			o.logger.Warnf("Failed to handle unit error, id: %s, error: %v", id, err)
		}
		o.bus.Publish(events.UnitError, unitEventData(id, event, map[string]interface{}{
			"error": cause.Error(),
		}))

	case units.EventCycleComplete:
		if err := o.registry.RecordCycle(id, event.CycleTime); err != nil {
			o.logger.Debugf("Cycle not recorded, id: %s, error: %v", id, err)
		}

	case units.EventOperationComplete:
		o.bus.Publish(events.UnitRitualComplete, unitEventData(id, event, nil))

	case units.EventInsight:
		o.bus.Publish(events.UnitInsight, unitEventData(id, event, nil))

	default:
		o.logger.Debugf("Ignoring unit event, id: %s, kind: %s", id, event.Kind)
	}
}

func unitEventData(id string, event units.Event, extra map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(event.Data)+len(extra)+2)
	for key, value := range event.Data {
		data[key] = value
	}
	for key, value := range extra {
		data[key] = value
	}
	data["id"] = id
	if event.Message != "" {
		data["message"] = event.Message
	}
	return data
}

func (o *Orchestrator) handleKernelEmergency(event events.Event) {
	reason := KernelEmergencyReason
	if value, ok := event.Data["reason"].(string); ok && value != "" {
		reason = value
	}
	o.logger.Errorf("Kernel emergency received, event: %s, reason: %s", event.ID, reason)
	o.ShutdownEmergency(o.context(), reason)
}

func (o *Orchestrator) handleKernelOperationRequest(event events.Event) {
	opType, _ := event.Data["type"].(string)
	if opType == "" {
		o.logger.Warnf("Ignoring kernel operation request without type, event: %s", event.ID)
		return
	}
	if o.barrier.InProgress() {
		o.logger.Infof("Ignoring kernel operation request while busy, event: %s, type: %s", event.ID, opType)
		return
	}

	result, err := o.CoordinateOperation(o.context(), opType, participantsFrom(event.Data["participants"]))
	if err != nil {
		o.logger.Warnf("Kernel operation request failed, event: %s, type: %s, error: %v", event.ID, opType, err)
		return
	}
	o.logger.Infof("Kernel operation request completed, event: %s, type: %s, successful: %d, failed: %d",
		event.ID, opType, result.Successful, result.Failed)
}

// participantsFrom accepts the participant list as decoded from JSON or built in process
func participantsFrom(value interface{}) []string {
	switch list := value.(type) {
	case []string:
		return list
	case []interface{}:
		participants := make([]string, 0, len(list))
		for _, item := range list {
			if id, ok := item.(string); ok {
				participants = append(participants, id)
			}
		}
		return participants
	default:
		return nil
	}
}

func (o *Orchestrator) publishOperationComplete(result coordination.OperationResult) {
	o.bus.Publish(events.OrchestratorOperationComplete, map[string]interface{}{
		"id":             result.ID,
		"type":           result.Type,
		"participants":   result.Participants,
		"successful":     result.Successful,
		"failed":         result.Failed,
		"resonanceBoost": result.ResonanceBoost,
	})
}

func (o *Orchestrator) ensureRunning(operation string) error {
	state := o.State()
	if state != StateRunning {
		return errors.NewValidationError(
			fmt.Sprintf("orchestrator must be running to %s, current state: %s", operation, state), nil,
		).WithContext("orchestrator_state", string(state))
	}
	return nil
}

func (o *Orchestrator) ensureNotStopping(operation string) error {
	state := o.State()
	if state == StateStopping || state == StateStopped {
		return errors.NewValidationError(
			fmt.Sprintf("cannot %s, orchestrator is %s", operation, state), nil,
		).WithContext("orchestrator_state", string(state))
	}
	return nil
}

func (o *Orchestrator) beginShutdown(operation string) error {
	o.mutex.Lock()
	state := o.state
	if state == StateStopping || state == StateStopped {
		o.mutex.Unlock()
		return errors.NewValidationError(
			fmt.Sprintf("cannot start %s, orchestrator is %s", operation, state), nil,
		).WithContext("orchestrator_state", string(state))
	}
	o.state = StateStopping
	o.mutex.Unlock()

	o.lifecycle.Halt(units.SleepReasonShutdown)
	o.unsubscribeKernel()
	return nil
}

func (o *Orchestrator) unsubscribeKernel() {
	o.mutex.Lock()
	unsubscribers := o.kernelUnsubscribe
	o.kernelUnsubscribe = nil
	o.mutex.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
}

func (o *Orchestrator) unsubscribeUnits() {
	o.mutex.Lock()
	unsubscribers := o.unitUnsubscribers
	o.unitUnsubscribers = make(map[string]func())
	o.mutex.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
}

func (o *Orchestrator) context() context.Context {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.baseCtx
}

func (o *Orchestrator) setState(state State) {
	o.mutex.Lock()
	o.state = state
	o.mutex.Unlock()
}

var _ domain.Contract = (*Orchestrator)(nil)
