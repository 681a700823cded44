// Package heartbeat provides an in-process unit that runs timed work cycles and
// takes part in coordinated operations.
package heartbeat

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const (
	DefaultInterval = 5 * time.Second

	// healthWindow is the number of recent cycles the health score is computed over
	healthWindow = 10

	tickerTag = "heartbeat"
)

type Config struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	// FailureRate is the probability in [0,1] that a cycle fails
	FailureRate float64 `yaml:"failure_rate,omitempty"`
	// InsightEvery emits an insight every n successful cycles, 0 disables insights
	InsightEvery int `yaml:"insight_every,omitempty"`
}

// ValidateConfig validates heartbeat configuration
func ValidateConfig(config Config) error {
	if config.Interval < 0 {
		return errors.NewValidationError("heartbeat interval cannot be negative", nil)
	}
	if config.FailureRate < 0 || config.FailureRate > 1 {
		return errors.NewValidationError("failure rate must be between 0 and 1", nil)
	}
	if config.InsightEvery < 0 {
		return errors.NewValidationError("insight_every cannot be negative", nil)
	}
	return nil
}

// Unit is a heartbeat unit
type Unit struct {
	id     string
	config Config
	clock  quartz.Clock
	logger logging.Logger

	mutex      sync.Mutex
	random     *rand.Rand
	cancel     context.CancelFunc
	cycles     int
	errorCount int
	recent     []bool
	prepared   map[string]bool
	handlers   map[int]units.EventHandler
	nextHandle int
}

func New(id string, config Config, clock quartz.Clock, logger logging.Logger) *Unit {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Unit{
		id:       id,
		config:   config,
		clock:    clock,
		logger:   logger,
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
		prepared: make(map[string]bool),
		handlers: make(map[int]units.EventHandler),
	}
}

// SetRandomSource replaces the source deciding cycle failures
func (u *Unit) SetRandomSource(source rand.Source) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.random = rand.New(source)
}

func (u *Unit) Start(ctx context.Context) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.cancel != nil {
		return nil
	}

	// cycles outlive the start hook
	loopCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.clock.TickerFunc(loopCtx, u.config.Interval, func() error {
		u.cycle()
		return nil
	}, tickerTag, u.id)

	u.logger.Infof("Heartbeat started, id: %s, interval: %v", u.id, u.config.Interval)
	return nil
}

// Stop cancels the cycle timer. A cycle already running completes on its own;
// Stop does not wait for it since it may be called from within that cycle.
func (u *Unit) Stop(ctx context.Context) error {
	u.mutex.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.prepared = make(map[string]bool)
	u.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	u.logger.Infof("Heartbeat stopped, id: %s", u.id)
	return nil
}

func (u *Unit) Status(ctx context.Context) (units.UnitStatus, error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return units.UnitStatus{
		Health:     u.healthUnsafe(),
		ErrorCount: u.errorCount,
		RunCount:   u.cycles,
	}, nil
}

func (u *Unit) healthUnsafe() float64 {
	if u.cancel == nil {
		return 0
	}
	if len(u.recent) == 0 {
		return 1
	}
	ok := 0
	for _, success := range u.recent {
		if success {
			ok++
		}
	}
	return float64(ok) / float64(len(u.recent))
}

func (u *Unit) cycle() {
	began := u.clock.Now()

	u.mutex.Lock()
	failed := u.config.FailureRate > 0 && u.random.Float64() < u.config.FailureRate
	u.recent = append(u.recent, !failed)
	if len(u.recent) > healthWindow {
		u.recent = u.recent[len(u.recent)-healthWindow:]
	}
	if failed {
		u.errorCount++
	} else {
		u.cycles++
	}
	cycles := u.cycles
	u.mutex.Unlock()

	if failed {
		u.emit(units.Event{
			Kind:      units.EventError,
			Timestamp: began,
			Message:   "heartbeat cycle failed",
			Err:       errors.NewUnitError("heartbeat cycle failed", nil).WithContext("id", u.id),
		})
		return
	}

	u.emit(units.Event{
		Kind:      units.EventCycleComplete,
		Timestamp: began,
		CycleTime: u.clock.Since(began),
		Data:      map[string]interface{}{"cycle": cycles},
	})

	if u.config.InsightEvery > 0 && cycles%u.config.InsightEvery == 0 {
		u.emit(units.Event{
			Kind:      units.EventInsight,
			Timestamp: began,
			Message:   fmt.Sprintf("completed %d cycles", cycles),
			Data:      map[string]interface{}{"cycles": cycles},
		})
	}
}

// Prepare marks the unit ready for the operation; it fails while not running
func (u *Unit) Prepare(ctx context.Context, opType string) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.cancel == nil {
		return errors.NewUnitError("heartbeat is not running", nil).WithContext("id", u.id)
	}
	u.prepared[opType] = true
	return nil
}

// Perform waits for startAt, then reports the cycles completed so far
func (u *Unit) Perform(ctx context.Context, opType string, startAt time.Time) (units.OperationOutcome, error) {
	if wait := startAt.Sub(u.clock.Now()); wait > 0 {
		timer := u.clock.NewTimer(wait, tickerTag, "perform")
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return units.OperationOutcome{}, ctx.Err()
		}
	}

	u.mutex.Lock()
	prepared := u.prepared[opType]
	delete(u.prepared, opType)
	cycles := u.cycles
	u.mutex.Unlock()

	outcome := units.OperationOutcome{
		Message: fmt.Sprintf("%s performed by %s", opType, u.id),
		Data: map[string]interface{}{
			"cycles":   cycles,
			"prepared": prepared,
		},
	}
	u.emit(units.Event{
		Kind:      units.EventOperationComplete,
		Timestamp: u.clock.Now(),
		Message:   outcome.Message,
		Data:      map[string]interface{}{"type": opType, "cycles": cycles},
	})
	return outcome, nil
}

func (u *Unit) Subscribe(handler units.EventHandler) func() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	id := u.nextHandle
	u.nextHandle++
	u.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			u.mutex.Lock()
			defer u.mutex.Unlock()
			delete(u.handlers, id)
		})
	}
}

func (u *Unit) emit(event units.Event) {
	u.mutex.Lock()
	handlers := make([]units.EventHandler, 0, len(u.handlers))
	for _, handler := range u.handlers {
		handlers = append(handlers, handler)
	}
	u.mutex.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

var (
	_ units.Unit        = (*Unit)(nil)
	_ units.Coordinator = (*Unit)(nil)
	_ units.Observable  = (*Unit)(nil)
)
