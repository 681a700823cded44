package monitoring

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
	clock    *quartz.Mock
	registry *registry.Registry
	bus      *events.Bus
	monitor  *HealthMonitor
}

func newTestEnv(t *testing.T) *testEnv {
	logger := unitstest.NewMockLogger()
	clock := quartz.NewMock(t)
	reg := registry.NewRegistry(registry.Options{Clock: clock}, logger)
	bus := events.NewBus("orchestrator", clock, logger)
	return &testEnv{
		clock:    clock,
		registry: reg,
		bus:      bus,
		monitor:  NewHealthMonitor(reg, bus, Options{Interval: time.Minute, HookTimeout: time.Second, Clock: clock}, logger),
	}
}

func (env *testEnv) awakeUnit(t *testing.T, id string, health float64, config units.UnitConfig) *unitstest.FakeUnit {
	unit := unitstest.NewFakeUnit().SetHealth(health)
	require.NoError(t, env.registry.Register(id, unit, config))
	require.NoError(t, env.registry.MarkAwake(id))
	return unit
}

type errorRecorder struct {
	ids    []string
	causes []error
}

func (r *errorRecorder) HandleUnitError(ctx context.Context, id string, cause error) error {
	r.ids = append(r.ids, id)
	r.causes = append(r.causes, cause)
	return nil
}

func TestCalculateCollectiveHealth(t *testing.T) {
	t.Run("all_awake_bonus_without_error_rate_bonus", func(t *testing.T) {
		env := newTestEnv(t)
		env.awakeUnit(t, "A", 0.9, units.UnitConfig{})
		env.awakeUnit(t, "B", 0.9, units.UnitConfig{})
		for i := 0; i < 10; i++ {
			_, err := env.registry.RecordError("A", fmt.Errorf("a%d", i))
			require.NoError(t, err)
			_, err = env.registry.RecordError("B", fmt.Errorf("b%d", i))
			require.NoError(t, err)
		}
		env.monitor.PerformHealthCheck(context.Background())

		// error rate 20 / (2*100) = 0.1 earns no bonus
		assert.InDelta(t, 1.08, env.monitor.CalculateCollectiveHealth(), 1e-9)
	})

	t.Run("all_awake_and_error_rate_bonus", func(t *testing.T) {
		env := newTestEnv(t)
		env.awakeUnit(t, "A", 0.9, units.UnitConfig{})
		env.awakeUnit(t, "B", 0.9, units.UnitConfig{})
		env.monitor.PerformHealthCheck(context.Background())

		assert.InDelta(t, 1.188, env.monitor.CalculateCollectiveHealth(), 1e-9)
	})

	t.Run("critical_unit_not_awake_penalty", func(t *testing.T) {
		env := newTestEnv(t)
		env.awakeUnit(t, "A", 1.0, units.UnitConfig{})
		require.NoError(t, env.registry.Register("core", unitstest.NewFakeUnit(), units.UnitConfig{Critical: true}))
		require.NoError(t, env.registry.Register("aux", unitstest.NewFakeUnit(), units.UnitConfig{Critical: true}))

		// 1.0 * 1.1 * 0.8 * 0.8
		assert.InDelta(t, 0.704, env.monitor.CalculateCollectiveHealth(), 1e-9)
	})

	t.Run("synergy_capped", func(t *testing.T) {
		env := newTestEnv(t)
		env.awakeUnit(t, "A", 1.0, units.UnitConfig{})
		for i := 0; i < 10; i++ {
			env.monitor.Amplify(1.5)
		}
		assert.Equal(t, MaxSynergy, env.monitor.Resonance())
		assert.InDelta(t, 2.0, env.monitor.CalculateCollectiveHealth(), 1e-9)
	})

	t.Run("nothing_awake", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.registry.Register("A", unitstest.NewFakeUnit(), units.UnitConfig{}))
		assert.Equal(t, 0.0, env.monitor.CalculateCollectiveHealth())
	})
}

func TestAmplify(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, 1.0, env.monitor.Resonance())
	assert.InDelta(t, 1.2, env.monitor.Amplify(1.2), 1e-9)
	assert.InDelta(t, 1.44, env.monitor.Amplify(1.2), 1e-9)
}

func TestPerformHealthCheck(t *testing.T) {
	t.Run("classifies_units", func(t *testing.T) {
		env := newTestEnv(t)
		env.awakeUnit(t, "good", 0.95, units.UnitConfig{})
		env.awakeUnit(t, "weak", 0.2, units.UnitConfig{})
		noisy := env.awakeUnit(t, "noisy", 0.8, units.UnitConfig{})
		noisy.StatusFunc = func(ctx context.Context) (units.UnitStatus, error) {
			return units.UnitStatus{Health: 0.8, ErrorCount: 11}, nil
		}
		broken := env.awakeUnit(t, "broken", 0.8, units.UnitConfig{})
		broken.StatusFunc = func(ctx context.Context) (units.UnitStatus, error) {
			return units.UnitStatus{}, fmt.Errorf("no answer")
		}
		require.NoError(t, env.registry.Register("asleep", unitstest.NewFakeUnit(), units.UnitConfig{}))

		var escalations []string
		env.monitor.SetEmergencyCallback(func(ctx context.Context, reason string) {
			escalations = append(escalations, reason)
		})

		snapshot := env.monitor.PerformHealthCheck(context.Background())
		assert.Equal(t, 4, snapshot.AwakeCount)
		assert.Equal(t, 2, snapshot.HealthyCount)
		assert.Equal(t, 2, snapshot.UnhealthyCount)
		require.Len(t, snapshot.Warnings, 1)
		assert.Contains(t, snapshot.Warnings[0], "weak")
		require.Len(t, snapshot.CriticalIssues, 2)
		assert.Contains(t, snapshot.CriticalIssues[0], "noisy")
		assert.Contains(t, snapshot.CriticalIssues[1], "broken")
		assert.Equal(t, env.clock.Now(), snapshot.Timestamp)

		// 2 of 4 unhealthy is above 0.3
		assert.Equal(t, []string{EmergencyReason}, escalations)

		last := env.monitor.LastSnapshot()
		require.NotNil(t, last)
		assert.Equal(t, snapshot.UnhealthyCount, last.UnhealthyCount)

		weak, err := env.registry.Snapshot("weak")
		require.NoError(t, err)
		require.NotNil(t, weak.HealthScore)
		assert.Equal(t, 0.2, *weak.HealthScore)
	})

	t.Run("below_threshold_does_not_escalate", func(t *testing.T) {
		env := newTestEnv(t)
		for i := 0; i < 3; i++ {
			env.awakeUnit(t, fmt.Sprintf("u%d", i), 1.0, units.UnitConfig{})
		}
		broken := env.awakeUnit(t, "broken", 1.0, units.UnitConfig{})
		broken.StatusFunc = func(ctx context.Context) (units.UnitStatus, error) {
			return units.UnitStatus{}, fmt.Errorf("no answer")
		}

		escalated := false
		env.monitor.SetEmergencyCallback(func(ctx context.Context, reason string) { escalated = true })

		snapshot := env.monitor.PerformHealthCheck(context.Background())
		assert.Equal(t, 1, snapshot.UnhealthyCount)
		assert.False(t, escalated, "1 of 4 is below 0.3")
	})

	t.Run("status_failure_is_recorded", func(t *testing.T) {
		env := newTestEnv(t)
		env.awakeUnit(t, "good", 1.0, units.UnitConfig{})
		broken := env.awakeUnit(t, "broken", 1.0, units.UnitConfig{})
		broken.StatusFunc = func(ctx context.Context) (units.UnitStatus, error) {
			return units.UnitStatus{}, fmt.Errorf("no answer")
		}

		recorder := &errorRecorder{}
		env.monitor.SetErrorRecorder(recorder)

		env.monitor.PerformHealthCheck(context.Background())
		require.Len(t, recorder.ids, 1)
		assert.Equal(t, "broken", recorder.ids[0])
		assert.ErrorContains(t, recorder.causes[0], "no answer")
	})

	t.Run("status_timeout_is_critical", func(t *testing.T) {
		logger := unitstest.NewMockLogger()
		reg := registry.NewRegistry(registry.Options{}, logger)
		monitor := NewHealthMonitor(reg, nil, Options{HookTimeout: 20 * time.Millisecond}, logger)

		slow := unitstest.NewFakeUnit()
		slow.StatusFunc = func(ctx context.Context) (units.UnitStatus, error) {
			<-ctx.Done()
			return units.UnitStatus{}, ctx.Err()
		}
		require.NoError(t, reg.Register("slow", slow, units.UnitConfig{}))
		require.NoError(t, reg.MarkAwake("slow"))

		snapshot := monitor.PerformHealthCheck(context.Background())
		assert.Equal(t, 1, snapshot.UnhealthyCount)
		require.Len(t, snapshot.CriticalIssues, 1)
		assert.Contains(t, snapshot.CriticalIssues[0], "timed out")
	})

	t.Run("emits_event", func(t *testing.T) {
		env := newTestEnv(t)
		env.awakeUnit(t, "A", 1.0, units.UnitConfig{})

		var received []events.Event
		env.bus.Subscribe(events.OrchestratorHealthCheck, func(event events.Event) {
			received = append(received, event)
		})
		env.monitor.PerformHealthCheck(context.Background())
		require.Len(t, received, 1)
		assert.Equal(t, 1, received[0].Data["healthy"])
	})

	t.Run("no_snapshot_before_first_check", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Nil(t, env.monitor.LastSnapshot())
	})
}

func TestHealthMonitor_Timer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t)
	env.awakeUnit(t, "A", 0.5, units.UnitConfig{})

	require.NoError(t, env.monitor.Start(ctx))
	assert.True(t, env.monitor.Running())
	assert.True(t, errors.IsValidationError(env.monitor.Start(ctx)))

	env.clock.Advance(time.Minute).MustWait(ctx)
	first := env.monitor.LastSnapshot()
	require.NotNil(t, first)
	assert.Equal(t, 1, first.HealthyCount)

	env.clock.Advance(time.Minute).MustWait(ctx)
	second := env.monitor.LastSnapshot()
	require.NotNil(t, second)
	assert.True(t, second.Timestamp.After(first.Timestamp))

	env.monitor.Stop()
	assert.False(t, env.monitor.Running())
	env.monitor.Stop()
}
