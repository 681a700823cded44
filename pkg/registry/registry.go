package registry

import (
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/graph"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const (
	DefaultErrorThreshold   = 10
	DefaultErrorLogCapacity = 100
)

type Options struct {
	ErrorThreshold   int
	ErrorLogCapacity int
	Clock            quartz.Clock
}

// ErrorEntry is a single recorded unit error
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Performance is updated from unit cycle events
type Performance struct {
	Cycles          int   `json:"cycles"`
	LastCycleTimeMs int64 `json:"last_cycle_time_ms"`
}

type entry struct {
	id           string
	unit         units.Unit
	config       units.UnitConfig
	stateMachine *StateMachine

	errorLog    []ErrorEntry
	lastError   *ErrorEntry
	performance Performance

	healthScore    float64
	runCount       int
	reportedErrors int
	sleepReason    string
	registeredAt   time.Time
	awakenedAt     time.Time
}

// UnitSnapshot is a point-in-time copy of a managed unit's metadata
type UnitSnapshot struct {
	ID             string            `json:"id"`
	State          units.UnitState   `json:"state"`
	Config         units.UnitConfig  `json:"config"`
	HealthScore    *float64          `json:"health_score,omitempty"`
	RunCount       int               `json:"run_count"`
	ReportedErrors int               `json:"reported_errors"`
	ErrorLog       []ErrorEntry      `json:"error_log,omitempty"`
	LastError      *ErrorEntry       `json:"last_error,omitempty"`
	Performance    Performance       `json:"performance"`
	SleepReason    string            `json:"sleep_reason,omitempty"`
	RegisteredAt   time.Time         `json:"registered_at"`
	AwakenedAt     *time.Time        `json:"awakened_at,omitempty"`
	Transitions    []StateTransition `json:"transitions,omitempty"`
}

// Aggregate is a consistent view of the registry used for health computations
type Aggregate struct {
	TotalUnits       int
	AwakeUnits       int
	AwakeHealth      []float64
	CriticalNotAwake int
	TotalErrors      int
}

// Registry holds the managed units, their metadata and the start order.
// Unit hooks are never called by the registry.
type Registry struct {
	options Options
	logger  logging.Logger

	mutex      sync.RWMutex
	entries    map[string]*entry
	ids        []string // registration order
	order      []string // dependency order
	awakeUnits int
}

func NewRegistry(options Options, logger logging.Logger) *Registry {
	if options.ErrorThreshold <= 0 {
		options.ErrorThreshold = DefaultErrorThreshold
	}
	if options.ErrorLogCapacity <= 0 {
		options.ErrorLogCapacity = DefaultErrorLogCapacity
	}
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}

	return &Registry{
		options: options,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Register stores a unit and recomputes the start order. A registration that
// would introduce a dependency cycle is rolled back.
func (r *Registry) Register(id string, unit units.Unit, config units.UnitConfig) error {
	if err := ValidateUnitID(id); err != nil {
		return errors.NewValidationError("invalid unit ID", err).WithContext("unit_id", id)
	}
	if unit == nil {
		return errors.NewValidationError("unit cannot be nil", nil).WithContext("unit_id", id)
	}
	for _, dep := range config.Dependencies {
		if err := ValidateUnitID(dep); err != nil {
			return errors.NewValidationError("invalid dependency ID", err).WithContext("unit_id", id).WithContext("dependency", dep)
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.entries[id]; exists {
		return errors.NewDuplicateUnitError("unit already registered", nil).WithContext("unit_id", id)
	}

	unitLogger := logging.ForUnit(r.logger, id)
	r.entries[id] = &entry{
		id:           id,
		unit:         unit,
		config:       units.CopyConfig(config),
		stateMachine: NewStateMachine(id, r.options.Clock, unitLogger),
		errorLog:     make([]ErrorEntry, 0),
		registeredAt: r.options.Clock.Now(),
	}
	r.ids = append(r.ids, id)

	order, err := graph.ComputeOrder(r.nodesUnsafe())
	if err != nil {
		delete(r.entries, id)
		r.ids = r.ids[:len(r.ids)-1]
		return errors.NewCyclicDependencyError("unit registration rejected", err).WithContext("unit_id", id)
	}
	r.order = order

	r.logger.Infof("Unit registered, id: %s, priority: %d, critical: %t, dependencies: %v, total: %d",
		id, config.Priority, config.Critical, config.Dependencies, len(r.ids))
	return nil
}

// Unit returns the registered unit and its configuration
func (r *Registry) Unit(id string) (units.Unit, units.UnitConfig, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return nil, units.UnitConfig{}, err
	}
	return e.unit, units.CopyConfig(e.config), nil
}

// State returns the current state of a unit
func (r *Registry) State(id string) (units.UnitState, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return "", err
	}
	return e.stateMachine.CurrentState(), nil
}

// IsAwake reports false for unknown ids
func (r *Registry) IsAwake(id string) bool {
	state, err := r.State(id)
	return err == nil && state == units.UnitStateAwake
}

// ValidateOperation checks a unit operation against the unit's state machine
func (r *Registry) ValidateOperation(id string, operation string) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return err
	}
	return e.stateMachine.ValidateOperation(operation)
}

// MarkAwake transitions a unit to awake and resets its health score
func (r *Registry) MarkAwake(id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return err
	}
	if err := e.stateMachine.Transition(units.UnitStateAwake, OperationAwaken, nil); err != nil {
		return err
	}
	r.awakeUnits++
	e.healthScore = 1.0
	e.sleepReason = ""
	e.awakenedAt = r.options.Clock.Now()
	return nil
}

// MarkSleeping transitions an awake unit to sleeping with the given reason
func (r *Registry) MarkSleeping(id string, reason string, cause error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return err
	}
	if err := e.stateMachine.Transition(units.UnitStateSleeping, OperationSleep, cause); err != nil {
		return err
	}
	r.awakeUnits--
	e.sleepReason = reason
	return nil
}

// MarkError transitions a unit that failed to awaken to the error state
func (r *Registry) MarkError(id string, cause error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return err
	}
	return e.stateMachine.Transition(units.UnitStateError, OperationAwaken, cause)
}

// RecordError appends to the unit's error log, evicting the oldest entry beyond
// capacity, and reports whether the log length now exceeds the error threshold.
func (r *Registry) RecordError(id string, cause error) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return false, err
	}

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	record := ErrorEntry{Timestamp: r.options.Clock.Now(), Message: message}

	if len(e.errorLog) >= r.options.ErrorLogCapacity {
		copy(e.errorLog, e.errorLog[1:])
		e.errorLog[len(e.errorLog)-1] = record
	} else {
		e.errorLog = append(e.errorLog, record)
	}
	e.lastError = &record

	return len(e.errorLog) > r.options.ErrorThreshold, nil
}

// RecordStatus stores the outcome of a health poll
func (r *Registry) RecordStatus(id string, status units.UnitStatus) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return err
	}
	e.healthScore = units.ClampHealth(status.Health)
	e.runCount = status.RunCount
	e.reportedErrors = status.ErrorCount
	return nil
}

// RecordCycle updates the unit's performance counters
func (r *Registry) RecordCycle(id string, cycleTime time.Duration) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return err
	}
	e.performance.Cycles++
	e.performance.LastCycleTimeMs = cycleTime.Milliseconds()
	return nil
}

// Snapshot returns a copy of a unit's metadata
func (r *Registry) Snapshot(id string) (UnitSnapshot, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, err := r.getUnsafe(id)
	if err != nil {
		return UnitSnapshot{}, err
	}
	return snapshotOf(e), nil
}

// Snapshots returns copies of all units in registration order
func (r *Registry) Snapshots() []UnitSnapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	snapshots := make([]UnitSnapshot, 0, len(r.ids))
	for _, id := range r.ids {
		snapshots = append(snapshots, snapshotOf(r.entries[id]))
	}
	return snapshots
}

func snapshotOf(e *entry) UnitSnapshot {
	state := e.stateMachine.CurrentState()
	snapshot := UnitSnapshot{
		ID:             e.id,
		State:          state,
		Config:         units.CopyConfig(e.config),
		RunCount:       e.runCount,
		ReportedErrors: e.reportedErrors,
		ErrorLog:       append([]ErrorEntry(nil), e.errorLog...),
		Performance:    e.performance,
		SleepReason:    e.sleepReason,
		RegisteredAt:   e.registeredAt,
		Transitions:    e.stateMachine.TransitionHistory(),
	}
	if state == units.UnitStateAwake {
		health := e.healthScore
		snapshot.HealthScore = &health
	}
	if e.lastError != nil {
		lastError := *e.lastError
		snapshot.LastError = &lastError
	}
	if !e.awakenedAt.IsZero() {
		awakenedAt := e.awakenedAt
		snapshot.AwakenedAt = &awakenedAt
	}
	return snapshot
}

// IDs returns unit ids in registration order
func (r *Registry) IDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]string(nil), r.ids...)
}

// Order returns unit ids in dependency order
func (r *Registry) Order() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]string(nil), r.order...)
}

// AwakeIDs returns awake unit ids in dependency order
func (r *Registry) AwakeIDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	awake := make([]string, 0, r.awakeUnits)
	for _, id := range r.order {
		if r.entries[id].stateMachine.CurrentState() == units.UnitStateAwake {
			awake = append(awake, id)
		}
	}
	return awake
}

// Dependents returns the ids of units that declare id as a dependency
func (r *Registry) Dependents(id string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return graph.Dependents(r.nodesUnsafe(), id)
}

func (r *Registry) TotalUnits() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.ids)
}

func (r *Registry) AwakeUnits() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.awakeUnits
}

// Aggregate returns the inputs of the collective health computation
func (r *Registry) Aggregate() Aggregate {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	aggregate := Aggregate{
		TotalUnits:  len(r.ids),
		AwakeUnits:  r.awakeUnits,
		AwakeHealth: make([]float64, 0, r.awakeUnits),
	}
	for _, id := range r.ids {
		e := r.entries[id]
		aggregate.TotalErrors += len(e.errorLog)
		if e.stateMachine.CurrentState() == units.UnitStateAwake {
			aggregate.AwakeHealth = append(aggregate.AwakeHealth, e.healthScore)
		} else if e.config.Critical {
			aggregate.CriticalNotAwake++
		}
	}
	return aggregate
}

// ErrorThreshold returns the configured error threshold
func (r *Registry) ErrorThreshold() int {
	return r.options.ErrorThreshold
}

func (r *Registry) getUnsafe(id string) (*entry, error) {
	e, exists := r.entries[id]
	if !exists {
		return nil, errors.NewNotFoundError("unit not found", nil).WithContext("unit_id", id)
	}
	return e, nil
}

func (r *Registry) nodesUnsafe() []graph.Node {
	nodes := make([]graph.Node, 0, len(r.ids))
	for _, id := range r.ids {
		nodes = append(nodes, graph.Node{ID: id, Dependencies: r.entries[id].config.Dependencies})
	}
	return nodes
}
