package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
	"github.com/core-tools/hsu-orchestrator/pkg/units/unitstest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const heartbeatConfig = `
orchestrator:
  port: 50070
  log_level: debug
units:
  - id: sensor
    kind: heartbeat
    dependencies: [core]
    heartbeat:
      interval: 2s
  - id: core
    kind: heartbeat
    priority: 10
    critical: true
  - id: spare
    kind: heartbeat
    enabled: false
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewOrchestratorFromConfig(t *testing.T) {
	config, err := LoadAndValidateConfig(writeConfig(t, heartbeatConfig))
	require.NoError(t, err)

	o, err := NewOrchestratorFromConfig(config, quartz.NewMock(t), metrics.NewNopRecorder(), unitstest.NewMockLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, o.Initialize(ctx))
	require.NoError(t, o.AwakenAll(ctx))

	status := o.GetStatus()
	assert.Equal(t, 2, status.Metrics.TotalUnits)
	assert.Equal(t, 2, status.Metrics.AwakeUnits)
	assert.Equal(t, []string{"core", "sensor"}, status.Metrics.Order)
	assert.NotContains(t, status.PerUnit, "spare")
	assert.True(t, status.PerUnit["core"].Config.Critical)

	stopOrchestrator(ctx, o, unitstest.NewMockLogger())
	assert.Equal(t, orchestrator.StateStopped, o.State())
	assert.Equal(t, 0, o.GetStatus().Metrics.AwakeUnits)

	// Stopping twice is a no-op
	stopOrchestrator(ctx, o, unitstest.NewMockLogger())
	assert.Equal(t, orchestrator.StateStopped, o.State())
}

func TestNewOrchestratorFromConfig_UnknownDependency(t *testing.T) {
	config, err := orchestrator.ParseConfig([]byte(`
units:
  - id: sensor
    kind: heartbeat
    dependencies: [core]
`))
	require.NoError(t, err)

	o, err := NewOrchestratorFromConfig(config, quartz.NewMock(t), metrics.NewNopRecorder(), unitstest.NewMockLogger())
	require.NoError(t, err)

	// Dependencies are resolved when units are awakened
	ctx := context.Background()
	require.NoError(t, o.Initialize(ctx))
	defer o.ShutdownEmergency(ctx, "test cleanup")
	require.NoError(t, o.AwakenAll(ctx))
	assert.Equal(t, 0, o.GetStatus().Metrics.AwakeUnits)

	err = o.AwakenUnit(ctx, "sensor")
	require.Error(t, err)
	assert.True(t, errors.IsDependencyNotReadyError(err))
}

func TestAwakenUnits_StopInterruptsStart(t *testing.T) {
	logger := unitstest.NewMockLogger()
	o := orchestrator.NewOrchestrator(orchestrator.Options{Clock: quartz.NewMock(t)}, logger)

	starting := make(chan struct{})
	core := unitstest.NewFakeUnit()
	core.StartFunc = func(ctx context.Context) error {
		close(starting)
		<-ctx.Done()
		return ctx.Err()
	}
	sensor := unitstest.NewFakeUnit()
	require.NoError(t, o.RegisterUnit("core", core, units.UnitConfig{}))
	require.NoError(t, o.RegisterUnit("sensor", sensor, units.UnitConfig{}))

	ctx := context.Background()
	require.NoError(t, o.Initialize(ctx))

	stop := awakenUnits(ctx, o, logger)
	<-starting

	// Returns without waiting for the blocked start hook to time out
	stop()
	stop()

	status := o.GetStatus()
	assert.Equal(t, units.UnitStateError, status.PerUnit["core"].State)
	assert.Equal(t, 0, sensor.Starts())
	assert.Equal(t, 0, status.Metrics.AwakeUnits)

	stopOrchestrator(ctx, o, logger)
	assert.Equal(t, orchestrator.StateStopped, o.State())
}

func TestValidateConfigFile(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		missing  bool
		errCheck func(error) bool
	}{
		{
			name:    "valid_config",
			content: heartbeatConfig,
		},
		{
			name:     "missing_file",
			missing:  true,
			errCheck: errors.IsIOError,
		},
		{
			name: "duplicate_unit_ids",
			content: `
units:
  - id: core
    kind: heartbeat
  - id: core
    kind: heartbeat
`,
			errCheck: errors.IsValidationError,
		},
		{
			name: "invalid_log_level",
			content: `
orchestrator:
  log_level: verbose
`,
			errCheck: errors.IsValidationError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.yaml")
			if !tc.missing {
				path = writeConfig(t, tc.content)
			}

			err := ValidateConfigFile(path)
			if tc.errCheck == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, tc.errCheck(err), "unexpected error: %v", err)
		})
	}
}

func TestGetConfigSummary(t *testing.T) {
	assert.Equal(t, "configuration is nil", GetConfigSummary(nil).Error)

	config, err := orchestrator.ParseConfig([]byte(`
orchestrator:
  port: 50070
  http_port: 8080
units:
  - id: core
    kind: heartbeat
    priority: 5
  - id: worker
    kind: process
    enabled: false
    dependencies: [core]
    process:
      execution:
        executable_path: /opt/worker/bin/worker
`))
	require.NoError(t, err)

	summary := GetConfigSummary(config)
	assert.Equal(t, 50070, summary.Port)
	assert.Equal(t, 8080, summary.HTTPPort)
	assert.Equal(t, orchestrator.DefaultLogLevel, summary.LogLevel)
	assert.False(t, summary.RelayEnabled)
	assert.Equal(t, 2, summary.TotalUnits)
	assert.Equal(t, 1, summary.EnabledUnits)

	require.Len(t, summary.Units, 2)
	assert.Equal(t, UnitSummary{ID: "core", Kind: "heartbeat", Enabled: true, Priority: 5}, summary.Units[0])
	assert.Equal(t, "/opt/worker/bin/worker", summary.Units[1].ExecutablePath)
	assert.Equal(t, []string{"core"}, summary.Units[1].Dependencies)
	assert.False(t, summary.Units[1].Enabled)
}
