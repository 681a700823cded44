package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
	"github.com/core-tools/hsu-orchestrator/pkg/units/unitstest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	registry *registry.Registry
	bus      *events.Bus
	manager  *Manager
	recorder *unitstest.Recorder
	events   []events.Event
}

func newTestEnv(t *testing.T, hookTimeout time.Duration) *testEnv {
	logger := unitstest.NewMockLogger()
	clock := quartz.NewMock(t)
	env := &testEnv{
		registry: registry.NewRegistry(registry.Options{Clock: clock}, logger),
		bus:      events.NewBus("orchestrator", clock, logger),
		recorder: &unitstest.Recorder{},
	}
	env.bus.Subscribe(events.All, func(event events.Event) {
		env.events = append(env.events, event)
	})
	env.manager = NewManager(env.registry, env.bus, Options{HookTimeout: hookTimeout, Clock: clock}, logger)
	return env
}

func (env *testEnv) register(t *testing.T, id string, config units.UnitConfig) *unitstest.FakeUnit {
	unit := unitstest.NewFakeUnit()
	unit.OnStart = env.recorder.Record("start:" + id)
	unit.OnStop = env.recorder.Record("stop:" + id)
	require.NoError(t, env.registry.Register(id, unit, config))
	return unit
}

func (env *testEnv) state(t *testing.T, id string) units.UnitState {
	state, err := env.registry.State(id)
	require.NoError(t, err)
	return state
}

func (env *testEnv) eventsOfType(eventType string) []events.Event {
	var matching []events.Event
	for _, event := range env.events {
		if event.Type == eventType {
			matching = append(matching, event)
		}
	}
	return matching
}

func TestAwakenAll(t *testing.T) {
	t.Run("all_units_awake_in_dependency_order", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{Critical: true})
		env.register(t, "B", units.UnitConfig{Dependencies: []string{"A"}})
		env.register(t, "C", units.UnitConfig{Dependencies: []string{"A"}, Critical: true})

		require.NoError(t, env.manager.AwakenAll(context.Background()))

		assert.Equal(t, []string{"start:A", "start:B", "start:C"}, env.recorder.Calls())
		for _, id := range []string{"A", "B", "C"} {
			assert.Equal(t, units.UnitStateAwake, env.state(t, id))
		}
		assert.Equal(t, 3, env.registry.AwakeUnits())

		awakened := env.eventsOfType(events.UnitAwakened)
		require.Len(t, awakened, 3)
		assert.Equal(t, "A", awakened[0].Data["id"])
		assert.Contains(t, awakened[0].Data, "elapsedMs")
	})

	t.Run("critical_failure_aborts_without_rollback", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{Critical: true})
		env.register(t, "B", units.UnitConfig{Dependencies: []string{"A"}})
		c := env.register(t, "C", units.UnitConfig{Dependencies: []string{"A"}, Critical: true})
		c.StartFunc = func(ctx context.Context) error { return fmt.Errorf("port in use") }
		env.register(t, "D", units.UnitConfig{Dependencies: []string{"C"}})

		err := env.manager.AwakenAll(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsCriticalUnitFailure(err))

		assert.Equal(t, units.UnitStateAwake, env.state(t, "A"))
		assert.Equal(t, units.UnitStateAwake, env.state(t, "B"))
		assert.Equal(t, units.UnitStateError, env.state(t, "C"))
		assert.Equal(t, units.UnitStateRegistered, env.state(t, "D"))

		snapshot, err := env.registry.Snapshot("C")
		require.NoError(t, err)
		require.NotNil(t, snapshot.LastError)
		assert.Contains(t, snapshot.LastError.Message, "port in use")
	})

	t.Run("non_critical_failure_continues", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		a.StartFunc = func(ctx context.Context) error { return fmt.Errorf("flaky") }
		env.register(t, "B", units.UnitConfig{Dependencies: []string{"A"}})
		env.register(t, "C", units.UnitConfig{})

		require.NoError(t, env.manager.AwakenAll(context.Background()))
		assert.Equal(t, units.UnitStateError, env.state(t, "A"))
		assert.Equal(t, units.UnitStateRegistered, env.state(t, "B"), "dependency not ready")
		assert.Equal(t, units.UnitStateAwake, env.state(t, "C"))
	})

	t.Run("critical_unit_with_unknown_dependency", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "api", units.UnitConfig{Critical: true, Dependencies: []string{"db"}})

		err := env.manager.AwakenAll(context.Background())
		assert.True(t, errors.IsCriticalUnitFailure(err))
		assert.True(t, errors.IsDependencyNotReadyError(err))
	})

	t.Run("awake_units_skipped", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenAll(context.Background()))
		require.NoError(t, env.manager.AwakenAll(context.Background()))
		assert.Equal(t, 1, a.Starts())
	})

	t.Run("cancelled_context", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.True(t, errors.IsCancelledError(env.manager.AwakenAll(ctx)))
	})
}

func TestAwakenOne(t *testing.T) {
	t.Run("dependency_gating", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{})
		b := env.register(t, "B", units.UnitConfig{Dependencies: []string{"A"}})

		err := env.manager.AwakenOne(context.Background(), "B")
		require.Error(t, err)
		assert.True(t, errors.IsDependencyNotReadyError(err))
		assert.Equal(t, 0, b.Starts())
		assert.Equal(t, units.UnitStateRegistered, env.state(t, "B"))

		require.NoError(t, env.manager.AwakenOne(context.Background(), "A"))
		require.NoError(t, env.manager.AwakenOne(context.Background(), "B"))
		assert.Equal(t, units.UnitStateAwake, env.state(t, "B"))
	})

	t.Run("awake_unit_is_noop", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenOne(context.Background(), "A"))
		require.NoError(t, env.manager.AwakenOne(context.Background(), "A"))
		assert.Equal(t, 1, a.Starts())
		assert.Len(t, env.eventsOfType(events.UnitAwakened), 1)
	})

	t.Run("hook_timeout", func(t *testing.T) {
		env := newTestEnv(t, 20*time.Millisecond)
		a := env.register(t, "A", units.UnitConfig{})
		a.StartFunc = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}

		err := env.manager.AwakenOne(context.Background(), "A")
		require.Error(t, err)
		assert.True(t, errors.IsHookTimeoutError(err))
		assert.Equal(t, units.UnitStateError, env.state(t, "A"))
	})

	t.Run("retry_after_error", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		attempts := 0
		a.StartFunc = func(ctx context.Context) error {
			attempts++
			if attempts == 1 {
				return fmt.Errorf("not yet")
			}
			return nil
		}

		assert.Error(t, env.manager.AwakenOne(context.Background(), "A"))
		require.NoError(t, env.manager.AwakenOne(context.Background(), "A"))
		assert.Equal(t, units.UnitStateAwake, env.state(t, "A"))
	})

	t.Run("unknown_unit", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		assert.True(t, errors.IsNotFoundError(env.manager.AwakenOne(context.Background(), "ghost")))
	})
}

func TestHalt(t *testing.T) {
	t.Run("halted_before_awaken", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{Critical: true})

		env.manager.Halt(units.SleepReasonShutdown)
		assert.True(t, env.manager.Halted())

		err := env.manager.AwakenAll(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsCancelledError(err))
		assert.False(t, errors.IsCriticalUnitFailure(err))

		err = env.manager.AwakenOne(context.Background(), "A")
		assert.True(t, errors.IsCancelledError(err))
		assert.Equal(t, 0, a.Starts())
		assert.Equal(t, units.UnitStateRegistered, env.state(t, "A"))
	})

	t.Run("start_completing_during_emergency", func(t *testing.T) {
		env := newTestEnv(t, 0)
		a := env.register(t, "A", units.UnitConfig{})
		b := env.register(t, "B", units.UnitConfig{})

		starting := make(chan struct{})
		release := make(chan struct{})
		a.StartFunc = func(ctx context.Context) error {
			close(starting)
			<-release
			return nil
		}

		done := make(chan error, 1)
		go func() {
			done <- env.manager.AwakenAll(context.Background())
		}()
		<-starting

		env.manager.Halt(units.SleepReasonEmergency)
		env.manager.ShutdownEmergency(context.Background(), "operator request")
		close(release)

		err := <-done
		require.Error(t, err)
		assert.True(t, errors.IsCancelledError(err))

		assert.Equal(t, units.UnitStateSleeping, env.state(t, "A"))
		assert.Equal(t, 1, a.Stops())
		assert.Equal(t, 0, b.Starts())
		assert.Equal(t, units.UnitStateRegistered, env.state(t, "B"))
		assert.Equal(t, 0, env.registry.AwakeUnits())

		snapshot, err := env.registry.Snapshot("A")
		require.NoError(t, err)
		assert.Equal(t, units.SleepReasonEmergency, snapshot.SleepReason)
	})
}

func TestSleepOne(t *testing.T) {
	t.Run("not_awake_is_noop", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.SleepOne(context.Background(), "A", units.SleepReasonRequested))
		assert.Equal(t, 0, a.Stops())
		assert.Empty(t, env.eventsOfType(events.UnitSleeping))
	})

	t.Run("sleeps_despite_awake_dependents", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		env.register(t, "B", units.UnitConfig{Dependencies: []string{"A"}})
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		require.NoError(t, env.manager.SleepOne(context.Background(), "A", units.SleepReasonRequested))
		assert.Equal(t, 1, a.Stops())
		assert.Equal(t, units.UnitStateSleeping, env.state(t, "A"))
		assert.Equal(t, units.UnitStateAwake, env.state(t, "B"), "dependents are not stopped")
		assert.Equal(t, 1, env.registry.AwakeUnits())

		sleeping := env.eventsOfType(events.UnitSleeping)
		require.Len(t, sleeping, 1)
		assert.Equal(t, "A", sleeping[0].Data["id"])
		assert.Equal(t, units.SleepReasonRequested, sleeping[0].Data["reason"])
	})

	t.Run("failed_stop_still_sleeps", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		a.StopFunc = func(ctx context.Context) error { return fmt.Errorf("stuck") }
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		err := env.manager.SleepOne(context.Background(), "A", units.SleepReasonRequested)
		require.Error(t, err)
		assert.True(t, errors.IsUnitError(err))
		assert.Equal(t, units.UnitStateSleeping, env.state(t, "A"))
		assert.Equal(t, 0, env.registry.AwakeUnits())

		snapshot, err := env.registry.Snapshot("A")
		require.NoError(t, err)
		assert.Len(t, snapshot.ErrorLog, 1)
	})

	t.Run("awaken_again_after_sleep", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenOne(context.Background(), "A"))
		require.NoError(t, env.manager.SleepOne(context.Background(), "A", units.SleepReasonRequested))
		require.NoError(t, env.manager.AwakenOne(context.Background(), "A"))
		assert.Equal(t, 2, a.Starts())
		assert.Equal(t, units.UnitStateAwake, env.state(t, "A"))
	})
}

func TestHandleUnitError(t *testing.T) {
	t.Run("auto_sleep_after_eleven_errors", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		for i := 1; i <= 10; i++ {
			require.NoError(t, env.manager.HandleUnitError(context.Background(), "A", fmt.Errorf("error %d", i)))
			assert.Equal(t, units.UnitStateAwake, env.state(t, "A"), "after %d errors", i)
		}
		require.NoError(t, env.manager.HandleUnitError(context.Background(), "A", fmt.Errorf("error 11")))

		snapshot, err := env.registry.Snapshot("A")
		require.NoError(t, err)
		assert.Equal(t, units.UnitStateSleeping, snapshot.State)
		assert.Equal(t, units.SleepReasonExcessiveErrors, snapshot.SleepReason)
	})

	t.Run("error_log_capped", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		for i := 1; i <= 150; i++ {
			require.NoError(t, env.manager.HandleUnitError(context.Background(), "A", fmt.Errorf("error %d", i)))
		}

		snapshot, err := env.registry.Snapshot("A")
		require.NoError(t, err)
		assert.Len(t, snapshot.ErrorLog, 100)
		assert.Equal(t, units.UnitStateSleeping, snapshot.State)
		assert.Len(t, env.eventsOfType(events.UnitSleeping), 1)
	})
}

type fixedHealth float64

func (h fixedHealth) CalculateCollectiveHealth() float64 { return float64(h) }

func TestShutdownGraceful(t *testing.T) {
	t.Run("farewell_then_reverse_order", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{})
		env.register(t, "B", units.UnitConfig{Dependencies: []string{"A"}})
		env.register(t, "C", units.UnitConfig{Dependencies: []string{"B"}})
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		var farewells []string
		env.manager.SetFarewell(fixedHealth(0.9), func(ctx context.Context, opType string, participants []string) error {
			farewells = append(farewells, opType)
			assert.Equal(t, 3, env.registry.AwakeUnits(), "farewell runs before units sleep")
			return fmt.Errorf("best effort")
		})

		require.NoError(t, env.manager.ShutdownGraceful(context.Background()))
		assert.Equal(t, []string{FarewellOperation}, farewells)
		assert.Equal(t, []string{"start:A", "start:B", "start:C", "stop:C", "stop:B", "stop:A"}, env.recorder.Calls())
		assert.Equal(t, 0, env.registry.AwakeUnits())
		for _, event := range env.eventsOfType(events.UnitSleeping) {
			assert.Equal(t, units.SleepReasonShutdown, event.Data["reason"])
		}
	})

	t.Run("no_farewell_when_unhealthy", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		called := false
		env.manager.SetFarewell(fixedHealth(0.5), func(ctx context.Context, opType string, participants []string) error {
			called = true
			return nil
		})
		require.NoError(t, env.manager.ShutdownGraceful(context.Background()))
		assert.False(t, called)
	})

	t.Run("stop_errors_collected", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		b := env.register(t, "B", units.UnitConfig{})
		a.StopFunc = func(ctx context.Context) error { return fmt.Errorf("a stuck") }
		b.StopFunc = func(ctx context.Context) error { return fmt.Errorf("b stuck") }
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		err := env.manager.ShutdownGraceful(context.Background())
		require.Error(t, err)
		collection, ok := err.(*errors.ErrorCollection)
		require.True(t, ok)
		assert.Len(t, collection.Errors, 2)
		assert.Equal(t, units.UnitStateSleeping, env.state(t, "A"))
		assert.Equal(t, units.UnitStateSleeping, env.state(t, "B"))
	})
}

func TestShutdownEmergency(t *testing.T) {
	t.Run("sleeps_everything_and_survives_failures", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		env.register(t, "A", units.UnitConfig{})
		b := env.register(t, "B", units.UnitConfig{Dependencies: []string{"A"}})
		c := env.register(t, "C", units.UnitConfig{Dependencies: []string{"B"}})
		b.StopFunc = func(ctx context.Context) error { panic("stop exploded") }
		c.StopFunc = func(ctx context.Context) error { return fmt.Errorf("c stuck") }
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		require.NotPanics(t, func() {
			env.manager.ShutdownEmergency(context.Background(), "power loss")
		})

		for _, id := range []string{"A", "B", "C"} {
			assert.Equal(t, units.UnitStateSleeping, env.state(t, id))
		}
		shutdowns := env.eventsOfType(events.OrchestratorEmergencyShutdown)
		require.Len(t, shutdowns, 1)
		assert.Equal(t, "power loss", shutdowns[0].Data["reason"])
		for _, event := range env.eventsOfType(events.UnitSleeping) {
			assert.Equal(t, units.SleepReasonEmergency, event.Data["reason"])
		}
	})

	t.Run("idempotent_when_all_sleeping", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenAll(context.Background()))
		env.manager.ShutdownEmergency(context.Background(), "first")
		env.events = nil

		env.manager.ShutdownEmergency(context.Background(), "second")
		assert.Len(t, env.eventsOfType(events.OrchestratorEmergencyShutdown), 1)
		assert.Empty(t, env.eventsOfType(events.UnitSleeping))
		assert.Equal(t, 1, a.Stops())
	})

	t.Run("stop_hooks_called_with_cancelled_context", func(t *testing.T) {
		env := newTestEnv(t, time.Second)
		a := env.register(t, "A", units.UnitConfig{})
		require.NoError(t, env.manager.AwakenAll(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		env.manager.ShutdownEmergency(ctx, "kernel")
		assert.Equal(t, 1, a.Stops())
	})
}
