// Package unitstest provides test doubles for managed units and loggers.
package unitstest

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

// NewMockLogger returns a logger that accepts any call
func NewMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("LogLevelf", mock.Anything, mock.Anything).Maybe()
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

// FakeUnit is a configurable unit implementing every optional capability.
// Nil hooks succeed; Status defaults to full health.
type FakeUnit struct {
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
	StatusFunc  func(ctx context.Context) (units.UnitStatus, error)
	PrepareFunc func(ctx context.Context, opType string) error
	PerformFunc func(ctx context.Context, opType string, startAt time.Time) (units.OperationOutcome, error)

	// OnStart runs after a successful start, e.g. to record start order
	OnStart func()
	OnStop  func()

	mutex       sync.Mutex
	health      float64
	healthSet   bool
	starts      int
	stops       int
	prepares    int
	performs    int
	lastStartAt time.Time
	handlers    map[int]units.EventHandler
	nextHandler int
}

func NewFakeUnit() *FakeUnit {
	return &FakeUnit{handlers: make(map[int]units.EventHandler)}
}

// SetHealth changes the health reported by the default Status
func (f *FakeUnit) SetHealth(health float64) *FakeUnit {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.health = health
	f.healthSet = true
	return f
}

func (f *FakeUnit) Start(ctx context.Context) error {
	if f.StartFunc != nil {
		if err := f.StartFunc(ctx); err != nil {
			return err
		}
	}
	f.mutex.Lock()
	f.starts++
	f.mutex.Unlock()
	if f.OnStart != nil {
		f.OnStart()
	}
	return nil
}

func (f *FakeUnit) Stop(ctx context.Context) error {
	f.mutex.Lock()
	f.stops++
	f.mutex.Unlock()
	if f.OnStop != nil {
		f.OnStop()
	}
	if f.StopFunc != nil {
		return f.StopFunc(ctx)
	}
	return nil
}

func (f *FakeUnit) Status(ctx context.Context) (units.UnitStatus, error) {
	if f.StatusFunc != nil {
		return f.StatusFunc(ctx)
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	health := 1.0
	if f.healthSet {
		health = f.health
	}
	return units.UnitStatus{Health: health, RunCount: f.starts}, nil
}

func (f *FakeUnit) Prepare(ctx context.Context, opType string) error {
	f.mutex.Lock()
	f.prepares++
	f.mutex.Unlock()
	if f.PrepareFunc != nil {
		return f.PrepareFunc(ctx, opType)
	}
	return nil
}

func (f *FakeUnit) Perform(ctx context.Context, opType string, startAt time.Time) (units.OperationOutcome, error) {
	f.mutex.Lock()
	f.performs++
	f.lastStartAt = startAt
	f.mutex.Unlock()
	if f.PerformFunc != nil {
		return f.PerformFunc(ctx, opType, startAt)
	}
	return units.OperationOutcome{Message: opType + " done"}, nil
}

func (f *FakeUnit) Subscribe(handler units.EventHandler) func() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int]units.EventHandler)
	}
	id := f.nextHandler
	f.nextHandler++
	f.handlers[id] = handler
	return func() {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		delete(f.handlers, id)
	}
}

// Emit delivers an event to every subscribed handler
func (f *FakeUnit) Emit(event units.Event) {
	f.mutex.Lock()
	handlers := make([]units.EventHandler, 0, len(f.handlers))
	for _, handler := range f.handlers {
		handlers = append(handlers, handler)
	}
	f.mutex.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, handler := range handlers {
		handler(event)
	}
}

func (f *FakeUnit) Starts() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.starts
}

func (f *FakeUnit) Stops() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.stops
}

func (f *FakeUnit) Prepares() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.prepares
}

func (f *FakeUnit) Performs() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.performs
}

func (f *FakeUnit) LastStartAt() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.lastStartAt
}

func (f *FakeUnit) Subscribers() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.handlers)
}

// Recorder collects names in call order across goroutines
type Recorder struct {
	mutex sync.Mutex
	calls []string
}

func (r *Recorder) Record(name string) func() {
	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		r.calls = append(r.calls, name)
	}
}

func (r *Recorder) Calls() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.calls...)
}

var (
	_ units.Unit        = (*FakeUnit)(nil)
	_ units.Coordinator = (*FakeUnit)(nil)
	_ units.Observable  = (*FakeUnit)(nil)
)
