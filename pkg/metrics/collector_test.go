package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.UnitAwakened("sensor", 120*time.Millisecond)
	c.UnitAwakened("sensor", 80*time.Millisecond)
	c.UnitAwakenFailed("db")
	c.UnitSlept("sensor", "excessive_errors")
	c.UnitErrorRecorded("sensor")
	c.UnitHealth("api", 0.75)
	c.HealthChecked(HealthSample{AwakeUnits: 2, HealthyUnits: 1, UnhealthyUnits: 1, ErrorRate: 0.05, CollectiveHealth: 1.08})
	c.OperationCompleted("sync", 2, 1, time.Second)
	c.OperationRejected("sync", "insufficient_health")
	c.EmergencyShutdown()
	c.Resonance(1.44)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.unitsAwakened.WithLabelValues("sensor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitAwakenFailed.WithLabelValues("db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitsSlept.WithLabelValues("sensor", "excessive_errors")))
	assert.Equal(t, 0.75, testutil.ToFloat64(c.unitHealth.WithLabelValues("api")))
	assert.Equal(t, 1.08, testutil.ToFloat64(c.collectiveHealth))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unhealthyUnits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("sync", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationsRejected.WithLabelValues("sync", "insufficient_health")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.emergencyShutdowns))
	assert.Equal(t, 1.44, testutil.ToFloat64(c.resonance))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNopRecorder(t *testing.T) {
	r := NewNopRecorder()
	assert.NotPanics(t, func() {
		r.UnitAwakened("a", time.Second)
		r.HealthChecked(HealthSample{})
		r.EmergencyShutdown()
	})
}
