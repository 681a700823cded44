package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
	"github.com/core-tools/hsu-orchestrator/pkg/units/unitstest"
)

type adminEnv struct {
	orchestrator *orchestrator.Orchestrator
	admin        *AdminServer
	shutdowns    atomic.Int32
}

func newAdminEnv(t *testing.T) *adminEnv {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	o := orchestrator.NewOrchestrator(orchestrator.Options{
		Clock:   quartz.NewMock(t),
		Metrics: metrics.NewCollector(registry),
	}, unitstest.NewMockLogger())

	coordinated := units.UnitConfig{SupportsCoordinatedOps: true}
	require.NoError(t, o.RegisterUnit("core", unitstest.NewFakeUnit(), coordinated))
	require.NoError(t, o.RegisterUnit("sensor", unitstest.NewFakeUnit(), units.UnitConfig{
		SupportsCoordinatedOps: true,
		Dependencies:           []string{"core"},
	}))
	require.NoError(t, o.Initialize(ctx))
	require.NoError(t, o.AwakenAll(ctx))
	t.Cleanup(func() { o.ShutdownEmergency(ctx, "test cleanup") })

	env := &adminEnv{orchestrator: o}
	env.admin = NewAdminServer(o, AdminOptions{
		Gatherer:   registry,
		OnShutdown: func() { env.shutdowns.Add(1) },
	}, zap.NewNop())
	return env
}

func (env *adminEnv) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	env.admin.Handler().ServeHTTP(recorder, request)

	var decoded map[string]interface{}
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	}
	return recorder.Code, decoded
}

func errorCode(body map[string]interface{}) string {
	detail, _ := body["error"].(map[string]interface{})
	code, _ := detail["code"].(string)
	return code
}

func TestAdminServer_Status(t *testing.T) {
	env := newAdminEnv(t)

	code, body := env.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["state"])

	perUnit := body["per_unit"].(map[string]interface{})
	assert.Len(t, perUnit, 2)
	sensor := perUnit["sensor"].(map[string]interface{})
	assert.Equal(t, "awake", sensor["state"])

	statusMetrics := body["metrics"].(map[string]interface{})
	assert.Equal(t, float64(2), statusMetrics["awake_units"])
	assert.Equal(t, []interface{}{"core", "sensor"}, statusMetrics["order"])

	code, body = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestAdminServer_Units(t *testing.T) {
	env := newAdminEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/units/sensor/sleep", `{"reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sleeping", body["state"])
	assert.Equal(t, "maintenance", body["sleep_reason"])

	code, body = env.do(t, http.MethodPost, "/api/v1/units/sensor/awaken", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awake", body["state"])

	code, body = env.do(t, http.MethodGet, "/api/v1/units/sensor", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sensor", body["id"])

	code, body = env.do(t, http.MethodGet, "/api/v1/units/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	code, body = env.do(t, http.MethodPost, "/api/v1/units/sensor/sleep", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(body))
}

func TestAdminServer_Operations(t *testing.T) {
	env := newAdminEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/operations", `{"type":"sync","participants":["sensor"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["successful"])

	code, body = env.do(t, http.MethodPost, "/api/v1/operations", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(body))

	code, body = env.do(t, http.MethodPost, "/api/v1/health-check", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["healthy_count"])
}

func TestAdminServer_Metrics(t *testing.T) {
	env := newAdminEnv(t)

	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	env.admin.Handler().ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "hsu_orchestrator_units_awakened_total")
}

func TestAdminServer_Shutdown(t *testing.T) {
	env := newAdminEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/shutdown", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(body))
	assert.Equal(t, orchestrator.StateRunning, env.orchestrator.State())

	code, body = env.do(t, http.MethodPost, "/api/v1/shutdown", `{"mode":"emergency","reason":"drill"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["state"])
	assert.Equal(t, int32(1), env.shutdowns.Load())

	code, body = env.do(t, http.MethodPost, "/api/v1/shutdown", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION", errorCode(body))
	assert.Equal(t, int32(1), env.shutdowns.Load())

	code, _ = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = env.do(t, http.MethodPost, "/api/v1/operations", `{"type":"sync"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION", errorCode(body))
}

func TestAdminServer_GracefulShutdown(t *testing.T) {
	env := newAdminEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/shutdown", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["state"])
	assert.Equal(t, int32(1), env.shutdowns.Load())
}

func TestEventStream(t *testing.T) {
	env := newAdminEnv(t)
	server := httptest.NewServer(env.admin.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/events/ws?type=" + events.UnitInsight
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	bus := env.orchestrator.Bus()
	require.Eventually(t, func() bool {
		return bus.SubscriberCount(events.UnitInsight) == 1
	}, 5*time.Second, 10*time.Millisecond)

	bus.Publish(events.UnitAwakened, map[string]interface{}{"id": "ignored"})
	published := bus.Publish(events.UnitInsight, map[string]interface{}{"id": "sensor", "message": "pattern"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, published.ID, event.ID)
	assert.Equal(t, events.UnitInsight, event.Type)
	assert.Equal(t, "pattern", event.Data["message"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return bus.SubscriberCount(events.UnitInsight) == 0
	}, 5*time.Second, 10*time.Millisecond, "handler unsubscribes when the client leaves")
}
