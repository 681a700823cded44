package coordination

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const (
	DefaultMinOperationHealth  = 0.7
	DefaultSyncOffset          = 3 * time.Second
	DefaultAmplificationFactor = 1.2
)

// HealthGate provides the collective health gating an operation and receives the
// resonance boost of a successful one.
type HealthGate interface {
	CalculateCollectiveHealth() float64
	Amplify(factor float64) float64
}

// ErrorRecorder receives participant failures
type ErrorRecorder interface {
	HandleUnitError(ctx context.Context, id string, cause error) error
}

type Options struct {
	MinOperationHealth  float64
	SyncOffset          time.Duration
	AmplificationFactor float64
	// MaxConcurrentHooks limits participants called at once, 0 means unbounded
	MaxConcurrentHooks int
	// HookTimeout bounds each Prepare/Perform call, 0 disables the bound
	HookTimeout time.Duration
	Clock       quartz.Clock
	Metrics     metrics.Recorder
}

// ParticipantResult is the outcome of one participant
type ParticipantResult struct {
	UnitID       string                 `json:"unit_id"`
	Prepared     bool                   `json:"prepared"`
	PrepareError string                 `json:"prepare_error,omitempty"`
	Success      bool                   `json:"success"`
	Message      string                 `json:"message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// OperationResult is returned by CoordinateOperation
type OperationResult struct {
	ID              string              `json:"id"`
	Type            string              `json:"type"`
	Participants    []string            `json:"participants"`
	StartAt         time.Time           `json:"start_at"`
	Successful      int                 `json:"successful"`
	Failed          int                 `json:"failed"`
	PrepareFailures int                 `json:"prepare_failures"`
	ResonanceBoost  bool                `json:"resonance_boost"`
	Resonance       float64             `json:"resonance"`
	Duration        time.Duration       `json:"duration"`
	Results         []ParticipantResult `json:"results"`
}

// Session is the active coordinated operation
type Session struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Participants []string  `json:"participants"`
	StartAt      time.Time `json:"start_at"`
}

type participant struct {
	id          string
	coordinator units.Coordinator
}

// Barrier runs coordinated operations, one at a time system-wide
type Barrier struct {
	options  Options
	registry *registry.Registry
	health   HealthGate
	errors   ErrorRecorder
	logger   logging.Logger

	inProgress atomic.Bool

	sessionMutex sync.Mutex
	session      *Session
}

func NewBarrier(reg *registry.Registry, health HealthGate, options Options, logger logging.Logger) *Barrier {
	if options.MinOperationHealth <= 0 {
		options.MinOperationHealth = DefaultMinOperationHealth
	}
	if options.SyncOffset <= 0 {
		options.SyncOffset = DefaultSyncOffset
	}
	if options.AmplificationFactor <= 0 {
		options.AmplificationFactor = DefaultAmplificationFactor
	}
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNopRecorder()
	}
	return &Barrier{
		options:  options,
		registry: reg,
		health:   health,
		logger:   logger,
	}
}

// SetErrorRecorder routes participant failures into unit error handling
func (b *Barrier) SetErrorRecorder(recorder ErrorRecorder) {
	b.errors = recorder
}

// InProgress reports whether an operation is active
func (b *Barrier) InProgress() bool {
	return b.inProgress.Load()
}

// ActiveSession returns a copy of the active session, or nil
func (b *Barrier) ActiveSession() *Session {
	b.sessionMutex.Lock()
	defer b.sessionMutex.Unlock()
	if b.session == nil {
		return nil
	}
	session := *b.session
	session.Participants = append([]string(nil), b.session.Participants...)
	return &session
}

// CoordinateOperation prepares every participant, then has all of them perform at
// a shared start instant. Participant failures are tallied, never returned.
// An empty participants list means every awake unit able to coordinate.
func (b *Barrier) CoordinateOperation(ctx context.Context, opType string, participants []string) (OperationResult, error) {
	if opType == "" {
		return OperationResult{}, errors.NewValidationError("operation type cannot be empty", nil)
	}

	if !b.inProgress.CompareAndSwap(false, true) {
		b.options.Metrics.OperationRejected(opType, string(errors.ErrorTypeOperationInProgress))
		return OperationResult{}, errors.NewOperationInProgressError("another coordinated operation is in progress", nil).
			WithContext("operation_type", opType)
	}
	defer b.finish()

	health := b.health.CalculateCollectiveHealth()
	if health < b.options.MinOperationHealth {
		b.options.Metrics.OperationRejected(opType, string(errors.ErrorTypeInsufficientHealth))
		return OperationResult{}, errors.NewInsufficientHealthError(
			fmt.Sprintf("collective health %.3f is below minimum %.3f", health, b.options.MinOperationHealth), nil,
		).WithContext("operation_type", opType).WithContext("collective_health", health)
	}

	selected := b.selectParticipants(opType, participants)
	ids := make([]string, len(selected))
	for i, p := range selected {
		ids[i] = p.id
	}

	began := b.options.Clock.Now()
	session := &Session{ID: uuid.NewString(), Type: opType, Participants: ids}
	b.setSession(session)

	b.logger.Infof("Coordinated operation started, id: %s, type: %s, participants: %v, collective_health: %.3f",
		session.ID, opType, ids, health)

	results := make([]ParticipantResult, len(selected))
	for i, p := range selected {
		results[i].UnitID = p.id
	}

	b.preparePhase(ctx, opType, selected, results)

	startAt := b.options.Clock.Now().Add(b.options.SyncOffset)
	session.StartAt = startAt
	b.setSession(session)

	b.performPhase(ctx, opType, startAt, selected, results)

	result := OperationResult{
		ID:           session.ID,
		Type:         opType,
		Participants: ids,
		StartAt:      startAt,
		Results:      results,
	}
	for _, r := range results {
		if !r.Prepared {
			result.PrepareFailures++
		}
		if r.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}

	if result.Successful > result.Failed {
		result.ResonanceBoost = true
		result.Resonance = b.health.Amplify(b.options.AmplificationFactor)
	}
	result.Duration = b.options.Clock.Since(began)

	b.options.Metrics.OperationCompleted(opType, result.Successful, result.Failed, result.Duration)
	b.logger.Infof("Coordinated operation completed, id: %s, type: %s, successful: %d, failed: %d, prepare_failures: %d, resonance_boost: %t",
		result.ID, opType, result.Successful, result.Failed, result.PrepareFailures, result.ResonanceBoost)

	return result, nil
}

func (b *Barrier) finish() {
	b.setSession(nil)
	b.inProgress.Store(false)
}

func (b *Barrier) setSession(session *Session) {
	b.sessionMutex.Lock()
	defer b.sessionMutex.Unlock()
	if session == nil {
		b.session = nil
		return
	}
	copied := *session
	b.session = &copied
}

// selectParticipants keeps awake units that support coordinated operations, in
// dependency order. Requested ids that do not qualify are logged and skipped.
func (b *Barrier) selectParticipants(opType string, requested []string) []participant {
	eligible := make(map[string]units.Coordinator)
	var order []string
	for _, id := range b.registry.AwakeIDs() {
		unit, config, err := b.registry.Unit(id)
		if err != nil {
			continue
		}
		if coordinator, ok := units.AsCoordinator(unit, config); ok {
			eligible[id] = coordinator
			order = append(order, id)
		}
	}

	if len(requested) == 0 {
		selected := make([]participant, 0, len(order))
		for _, id := range order {
			selected = append(selected, participant{id: id, coordinator: eligible[id]})
		}
		return selected
	}

	selected := make([]participant, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, id := range requested {
		if seen[id] {
			continue
		}
		seen[id] = true
		coordinator, ok := eligible[id]
		if !ok {
			b.logger.Warnf("Skipping operation participant, type: %s, id: %s: not awake or not coordinated", opType, id)
			continue
		}
		selected = append(selected, participant{id: id, coordinator: coordinator})
	}
	return selected
}

func (b *Barrier) preparePhase(ctx context.Context, opType string, selected []participant, results []ParticipantResult) {
	group := b.newGroup()
	for i, p := range selected {
		group.Go(func() error {
			err := units.CallHookErr(ctx, b.options.HookTimeout, p.id, "prepare", func(ctx context.Context) error {
				return p.coordinator.Prepare(ctx, opType)
			})
			if err != nil {
				results[i].PrepareError = err.Error()
				b.logger.Warnf("Participant failed to prepare, type: %s, id: %s, error: %v", opType, p.id, err)
				b.recordFailure(ctx, p.id, err)
				return nil
			}
			results[i].Prepared = true
			return nil
		})
	}
	_ = group.Wait()
}

func (b *Barrier) performPhase(ctx context.Context, opType string, startAt time.Time, selected []participant, results []ParticipantResult) {
	group := b.newGroup()
	for i, p := range selected {
		group.Go(func() error {
			outcome, err := units.CallHook(ctx, b.options.HookTimeout, p.id, "perform", func(ctx context.Context) (units.OperationOutcome, error) {
				return p.coordinator.Perform(ctx, opType, startAt)
			})
			if err != nil {
				results[i].Error = err.Error()
				b.logger.Warnf("Participant failed to perform, type: %s, id: %s, error: %v", opType, p.id, err)
				b.recordFailure(ctx, p.id, err)
				return nil
			}
			results[i].Success = true
			results[i].Message = outcome.Message
			results[i].Data = outcome.Data
			return nil
		})
	}
	_ = group.Wait()
}

// newGroup returns a group whose goroutines never cancel each other: every
// participant settles regardless of the others.
func (b *Barrier) newGroup() *errgroup.Group {
	group := &errgroup.Group{}
	if b.options.MaxConcurrentHooks > 0 {
		group.SetLimit(b.options.MaxConcurrentHooks)
	}
	return group
}

func (b *Barrier) recordFailure(ctx context.Context, id string, cause error) {
	if b.errors == nil {
		return
	}
	if err := b.errors.HandleUnitError(ctx, id, cause); err != nil {
		b.logger.Warnf("Failed to handle participant error, id: %s, error: %v", id, err)
	}
}
