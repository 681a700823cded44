package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const (
	DefaultInterval           = 60 * time.Second
	DefaultEmergencyThreshold = 0.3

	// LowHealthThreshold marks a unit health score worth a warning
	LowHealthThreshold = 0.3

	// MaxSynergy caps the synergy multiplier and the resonance metric
	MaxSynergy = 2.0

	// EmergencyReason is passed to the emergency callback on a health breach
	EmergencyReason = "Critical health threshold exceeded"

	allAwakeBonus      = 1.2
	lowErrorRateBonus  = 1.1
	lowErrorRateLimit  = 0.1
	criticalAsleepCost = 0.8

	// errorRateScale normalizes recorded errors per awake unit
	errorRateScale = 100

	tickerTag = "health-monitor"
)

type Options struct {
	Interval           time.Duration
	EmergencyThreshold float64
	HookTimeout        time.Duration
	Clock              quartz.Clock
	Metrics            metrics.Recorder
}

// HealthSnapshot is the result of one health check; only the latest is kept
type HealthSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	HealthyCount     int       `json:"healthy_count"`
	UnhealthyCount   int       `json:"unhealthy_count"`
	AwakeCount       int       `json:"awake_count"`
	ErrorRate        float64   `json:"error_rate"`
	CollectiveHealth float64   `json:"collective_health"`
	Resonance        float64   `json:"resonance"`
	Warnings         []string  `json:"warnings"`
	CriticalIssues   []string  `json:"critical_issues"`
}

// EmergencyCallback is invoked when the unhealthy ratio exceeds the emergency threshold
type EmergencyCallback func(ctx context.Context, reason string)

// ErrorRecorder receives failed status queries as unit errors
type ErrorRecorder interface {
	HandleUnitError(ctx context.Context, id string, cause error) error
}

// Emitter publishes health check events
type Emitter interface {
	Publish(eventType string, data map[string]interface{}) events.Event
}

// HealthMonitor polls awake units, keeps the latest snapshot and computes the
// collective health score that gates coordinated operations.
type HealthMonitor struct {
	options  Options
	registry *registry.Registry
	emitter  Emitter
	logger   logging.Logger

	mutex             sync.Mutex
	lastSnapshot      *HealthSnapshot
	resonance         float64
	emergencyCallback EmergencyCallback
	errorRecorder     ErrorRecorder

	runMutex sync.Mutex
	cancel   context.CancelFunc
	waiter   quartz.Waiter
}

func NewHealthMonitor(reg *registry.Registry, emitter Emitter, options Options, logger logging.Logger) *HealthMonitor {
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	if options.EmergencyThreshold <= 0 {
		options.EmergencyThreshold = DefaultEmergencyThreshold
	}
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNopRecorder()
	}
	return &HealthMonitor{
		options:   options,
		registry:  reg,
		emitter:   emitter,
		logger:    logger,
		resonance: 1.0,
	}
}

// SetEmergencyCallback sets the escalation invoked on a health breach
func (h *HealthMonitor) SetEmergencyCallback(callback EmergencyCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.emergencyCallback = callback
}

// SetErrorRecorder routes failed status queries into unit error handling
func (h *HealthMonitor) SetErrorRecorder(recorder ErrorRecorder) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.errorRecorder = recorder
}

// Start runs health checks every interval until ctx is done or Stop is called
func (h *HealthMonitor) Start(ctx context.Context) error {
	h.runMutex.Lock()
	defer h.runMutex.Unlock()

	if h.cancel != nil {
		return errors.NewValidationError("health monitor already running", nil)
	}

	h.logger.Infof("Starting health monitor, interval: %v, emergency_threshold: %.2f", h.options.Interval, h.options.EmergencyThreshold)

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.waiter = h.options.Clock.TickerFunc(loopCtx, h.options.Interval, func() error {
		h.PerformHealthCheck(loopCtx)
		return nil
	}, tickerTag)
	return nil
}

// Stop stops the timer and waits for a running check to finish.
// Must not be called from within a health check; use Cancel there.
func (h *HealthMonitor) Stop() {
	h.runMutex.Lock()
	cancel, waiter := h.cancel, h.waiter
	h.cancel, h.waiter = nil, nil
	h.runMutex.Unlock()

	if cancel == nil {
		return
	}
	h.logger.Infof("Stopping health monitor")
	cancel()
	_ = waiter.Wait()
	h.logger.Infof("Health monitor stopped")
}

// Cancel stops the timer without waiting
func (h *HealthMonitor) Cancel() {
	h.runMutex.Lock()
	defer h.runMutex.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

// Running reports whether the timer is active
func (h *HealthMonitor) Running() bool {
	h.runMutex.Lock()
	defer h.runMutex.Unlock()
	return h.cancel != nil
}

// PerformHealthCheck polls every awake unit, stores the snapshot and escalates when
// the unhealthy ratio exceeds the emergency threshold.
func (h *HealthMonitor) PerformHealthCheck(ctx context.Context) HealthSnapshot {
	awake := h.registry.AwakeIDs()
	errorThreshold := h.registry.ErrorThreshold()

	snapshot := HealthSnapshot{
		AwakeCount:     len(awake),
		Warnings:       make([]string, 0),
		CriticalIssues: make([]string, 0),
	}

	for _, id := range awake {
		unit, _, err := h.registry.Unit(id)
		if err != nil {
			continue
		}

		status, err := units.CallHook(ctx, h.options.HookTimeout, id, "status", unit.Status)
		if err != nil {
			snapshot.UnhealthyCount++
			snapshot.CriticalIssues = append(snapshot.CriticalIssues, fmt.Sprintf("unit %s status query failed: %v", id, err))
			h.logger.Warnf("Unit status query failed, id: %s, error: %v", id, err)
			h.recordUnitError(ctx, id, err)
			continue
		}

		if err := h.registry.RecordStatus(id, status); err != nil {
			h.logger.Debugf("Unit status not recorded, id: %s, error: %v", id, err)
		}
		h.options.Metrics.UnitHealth(id, units.ClampHealth(status.Health))

		if status.Health < LowHealthThreshold {
			snapshot.Warnings = append(snapshot.Warnings, fmt.Sprintf("unit %s health is low: %.2f", id, status.Health))
		}

		if status.ErrorCount > errorThreshold {
			snapshot.UnhealthyCount++
			snapshot.CriticalIssues = append(snapshot.CriticalIssues,
				fmt.Sprintf("unit %s error count %d exceeds threshold %d", id, status.ErrorCount, errorThreshold))
			continue
		}

		snapshot.HealthyCount++
	}

	aggregate := h.registry.Aggregate()
	snapshot.ErrorRate = errorRate(aggregate)
	snapshot.CollectiveHealth = h.collectiveHealth(aggregate)
	snapshot.Resonance = h.Resonance()
	snapshot.Timestamp = h.options.Clock.Now()

	h.mutex.Lock()
	stored := snapshot
	h.lastSnapshot = &stored
	callback := h.emergencyCallback
	h.mutex.Unlock()

	h.options.Metrics.HealthChecked(metrics.HealthSample{
		AwakeUnits:       snapshot.AwakeCount,
		HealthyUnits:     snapshot.HealthyCount,
		UnhealthyUnits:   snapshot.UnhealthyCount,
		ErrorRate:        snapshot.ErrorRate,
		CollectiveHealth: snapshot.CollectiveHealth,
	})
	if h.emitter != nil {
		h.emitter.Publish(events.OrchestratorHealthCheck, map[string]interface{}{
			"healthy":          snapshot.HealthyCount,
			"unhealthy":        snapshot.UnhealthyCount,
			"awake":            snapshot.AwakeCount,
			"errorRate":        snapshot.ErrorRate,
			"collectiveHealth": snapshot.CollectiveHealth,
		})
	}

	h.logger.Debugf("Health check completed, awake: %d, healthy: %d, unhealthy: %d, error_rate: %.3f, collective_health: %.3f",
		snapshot.AwakeCount, snapshot.HealthyCount, snapshot.UnhealthyCount, snapshot.ErrorRate, snapshot.CollectiveHealth)

	if snapshot.AwakeCount > 0 {
		ratio := float64(snapshot.UnhealthyCount) / float64(snapshot.AwakeCount)
		if ratio > h.options.EmergencyThreshold {
			h.logger.Errorf("Unhealthy ratio exceeds emergency threshold, ratio: %.2f, threshold: %.2f, issues: %v",
				ratio, h.options.EmergencyThreshold, snapshot.CriticalIssues)
			if callback != nil {
				callback(ctx, EmergencyReason)
			}
		}
	}

	return snapshot
}

// LastSnapshot returns the most recent snapshot, or nil before the first check
func (h *HealthMonitor) LastSnapshot() *HealthSnapshot {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.lastSnapshot == nil {
		return nil
	}
	snapshot := *h.lastSnapshot
	snapshot.Warnings = append([]string(nil), h.lastSnapshot.Warnings...)
	snapshot.CriticalIssues = append([]string(nil), h.lastSnapshot.CriticalIssues...)
	return &snapshot
}

// CalculateCollectiveHealth is the mean health of awake units times the synergy
// multiplier. It is 0 when no unit is awake.
func (h *HealthMonitor) CalculateCollectiveHealth() float64 {
	return h.collectiveHealth(h.registry.Aggregate())
}

func (h *HealthMonitor) collectiveHealth(aggregate registry.Aggregate) float64 {
	if len(aggregate.AwakeHealth) == 0 {
		return 0
	}

	sum := 0.0
	for _, health := range aggregate.AwakeHealth {
		sum += health
	}
	average := sum / float64(len(aggregate.AwakeHealth))

	return average * h.synergy(aggregate)
}

func (h *HealthMonitor) synergy(aggregate registry.Aggregate) float64 {
	synergy := h.Resonance()
	if aggregate.TotalUnits > 0 && aggregate.AwakeUnits == aggregate.TotalUnits {
		synergy *= allAwakeBonus
	}
	if errorRate(aggregate) < lowErrorRateLimit {
		synergy *= lowErrorRateBonus
	}
	for i := 0; i < aggregate.CriticalNotAwake; i++ {
		synergy *= criticalAsleepCost
	}
	if synergy > MaxSynergy {
		synergy = MaxSynergy
	}
	return synergy
}

func errorRate(aggregate registry.Aggregate) float64 {
	if aggregate.AwakeUnits == 0 {
		return 0
	}
	return float64(aggregate.TotalErrors) / float64(aggregate.AwakeUnits*errorRateScale)
}

// Resonance returns the feedback metric raised by successful coordinated operations
func (h *HealthMonitor) Resonance() float64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.resonance
}

// Amplify multiplies the resonance by factor, capped at MaxSynergy, and returns it
func (h *HealthMonitor) Amplify(factor float64) float64 {
	h.mutex.Lock()
	h.resonance *= factor
	if h.resonance > MaxSynergy {
		h.resonance = MaxSynergy
	}
	resonance := h.resonance
	h.mutex.Unlock()

	h.options.Metrics.Resonance(resonance)
	h.logger.Infof("Resonance amplified, factor: %.2f, resonance: %.3f", factor, resonance)
	return resonance
}

func (h *HealthMonitor) recordUnitError(ctx context.Context, id string, cause error) {
	h.mutex.Lock()
	recorder := h.errorRecorder
	h.mutex.Unlock()

	if recorder == nil {
		return
	}
	if err := recorder.HandleUnitError(ctx, id, cause); err != nil {
		h.logger.Warnf("Failed to record status query error, id: %s, error: %v", id, err)
	}
}
