package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/domain/prefs"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/domain/sysapp"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/resilience"
	"github.com/w200024212/pebbleos-sub001/internal/kernel"
	"github.com/w200024212/pebbleos-sub001/internal/shared/id"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

const (
	weatherUUID = "6b1f4c1e-2a0d-4f4e-9f61-3c0e5e8b7a10"
	stepsUUID   = "a3c2e4f0-77d1-4b9e-8c5a-0e2d9b1f6c33"
)

type mockKernel struct {
	mock.Mock
}

func (m *mockKernel) Snapshot(ctx context.Context) (types.Snapshot, error) {
	args := m.Called()
	return args.Get(0).(types.Snapshot), args.Error(1)
}

func (m *mockKernel) Launch(ctx context.Context, cfg types.LaunchConfig) error {
	return m.Called(cfg).Error(0)
}

func (m *mockKernel) LaunchWorker(ctx context.Context, cfg types.LaunchConfig) error {
	return m.Called(cfg).Error(0)
}

func (m *mockKernel) CloseApp(ctx context.Context, gracefully bool) error {
	return m.Called(gracefully).Error(0)
}

func (m *mockKernel) CloseWorker(ctx context.Context, gracefully bool) error {
	return m.Called(gracefully).Error(0)
}

func (m *mockKernel) ForceQuit(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockKernel) Button(ctx context.Context, button types.ButtonID) error {
	return m.Called(button).Error(0)
}

func (m *mockKernel) BackHeld(ctx context.Context, held bool) error {
	return m.Called(held).Error(0)
}

func (m *mockKernel) SetMinRunLevel(ctx context.Context, level types.RunLevel) error {
	return m.Called(level).Error(0)
}

type testServer struct {
	router   *gin.Engine
	kernel   *mockKernel
	registry *registry.Manager
	crashes  *crash.Store
	power    *sysapp.Power
	breakers *resilience.Group
	weather  types.InstallID
	steps    types.InstallID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.NewManager(prefs.NewMemory(), zap.NewNop())
	require.NoError(t, reg.RegisterSystem(registry.SystemApp{
		Metadata: &process.SystemMetadata{ID: -1, AppName: "Launcher", AppUUID: uuid.New()},
		Roles:    []registry.Role{registry.RoleLauncher},
	}))
	require.NoError(t, reg.RegisterSystem(registry.SystemApp{
		Metadata: &process.SystemMetadata{ID: -2, AppName: "TicToc", AppUUID: uuid.New(), Watchface: true},
		Roles:    []registry.Role{registry.RoleBuiltinWatchface},
	}))

	ctx := context.Background()
	weather, err := reg.Save(ctx, types.InstallEntry{UUID: weatherUUID, Name: "Weather", SDK: types.SDK3, Binary: "weather.bin"})
	require.NoError(t, err)
	steps, err := reg.Save(ctx, types.InstallEntry{UUID: stepsUUID, Name: "Steps", SDK: types.SDK3, Worker: true, Binary: "steps.bin"})
	require.NoError(t, err)

	crashes, err := crash.NewStore("", 8, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(crashes.Close)

	k := &mockKernel{}
	power := &sysapp.Power{}
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	breakers := resilience.NewGroup(resilience.Settings{})

	h := NewHandlers(k, reg, crashes, power, breakers, metrics, nil, zap.NewNop())
	router := gin.New()
	h.Register(router)
	router.GET("/metrics/snapshot", NewMetricsAggregator(metrics, k, reg, breakers).GetAggregatedMetrics)

	return &testServer{
		router:   router,
		kernel:   k,
		registry: reg,
		crashes:  crashes,
		power:    power,
		breakers: breakers,
		weather:  weather.ID,
		steps:    steps.ID,
	}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRootAndHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do("GET", "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "watchd", decode(t, w)["service"])

	w = s.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "registry")
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Snapshot").Return(types.Snapshot{
		App:   &types.ProcessInfo{Kind: types.KindApp, InstallID: -2, Name: "TicToc"},
		Stats: types.Stats{Launches: 3},
	}, nil).Once()

	w := s.do("GET", "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"TicToc"`)
	assert.Contains(t, w.Body.String(), `"launches":3`)
	s.kernel.AssertExpectations(t)
}

func TestStatusKernelStopped(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Snapshot").Return(types.Snapshot{}, kernel.ErrStopped).Once()

	w := s.do("GET", "/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListAppsFilters(t *testing.T) {
	s := newTestServer(t)

	w := s.do("GET", "/apps", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["apps"], 4)

	w = s.do("GET", "/apps?worker=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	apps := decode(t, w)["apps"].([]interface{})
	require.Len(t, apps, 1)
	assert.Equal(t, "Steps", apps[0].(map[string]interface{})["name"])

	w = s.do("GET", "/apps?watchface=true", "")
	assert.Len(t, decode(t, w)["apps"], 1)
}

func TestGetApp(t *testing.T) {
	s := newTestServer(t)

	w := s.do("GET", fmt.Sprintf("/apps/%d", s.weather), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Weather", decode(t, w)["name"])

	assert.Equal(t, http.StatusNotFound, s.do("GET", "/apps/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/apps/weather", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/apps/0", "").Code)
}

func TestSaveApp(t *testing.T) {
	s := newTestServer(t)

	body := `{"uuid":"0e1d2c3b-4a59-4687-9786-a5b4c3d2e1f0","name":"Timer","binary":"timer.bin","sdk":2}`
	w := s.do("POST", "/apps", body)
	require.Equal(t, http.StatusCreated, w.Code)
	app := decode(t, w)["app"].(map[string]interface{})
	assert.Equal(t, "Timer", app["name"])
	assert.Equal(t, "shown", app["visibility"])

	w = s.do("POST", "/apps", `{"uuid":"nope","name":"Bad","binary":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("POST", "/apps", `{"uuid":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := `{"name":"` + strings.Repeat("x", 70*1024) + `"}`
	w = s.do("POST", "/apps", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSaveWatchfaceResetsCrashLoopBreaker(t *testing.T) {
	s := newTestServer(t)

	body := `{"uuid":"6a7b8c9d-0e1f-4a2b-8c3d-4e5f6a7b8c9d","name":"Rings","binary":"rings.bin","sdk":2,"watchface":true}`
	w := s.do("POST", "/apps", body)
	require.Equal(t, http.StatusCreated, w.Code)
	installID := int(decode(t, w)["app"].(map[string]interface{})["id"].(float64))

	key := fmt.Sprint(installID)
	b := s.breakers.Get(key)
	for i := 0; i < 6; i++ {
		b.Failure()
	}
	require.Equal(t, resilience.StateOpen, b.State())

	w = s.do("POST", "/apps", body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, resilience.StateClosed, s.breakers.Get(key).State())
}

func TestDeleteApp(t *testing.T) {
	s := newTestServer(t)

	md, err := s.registry.Metadata(s.weather)
	require.NoError(t, err)

	w := s.do("DELETE", fmt.Sprintf("/apps/%d", s.weather), "")
	assert.Equal(t, http.StatusConflict, w.Code)

	md.Release()
	w = s.do("DELETE", fmt.Sprintf("/apps/%d", s.weather), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.registry.Exists(s.weather))

	w = s.do("DELETE", "/apps/-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrioritizeApp(t *testing.T) {
	s := newTestServer(t)

	w := s.do("POST", fmt.Sprintf("/apps/%d/prioritize", s.steps), "")
	require.Equal(t, http.StatusOK, w.Code)

	apps := s.registry.List(registry.ListFilter{})
	require.NotEmpty(t, apps)
	assert.Equal(t, s.steps, apps[0].ID)
}

func TestSetDefaultWatchface(t *testing.T) {
	s := newTestServer(t)

	w := s.do("PUT", "/watchface/default", fmt.Sprintf(`{"id":%d}`, s.weather))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("PUT", "/watchface/default", `{"id":-2}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, -2, decode(t, w)["default_watchface"])

	w = s.do("PUT", "/watchface/default", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLaunchApp(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Launch", types.LaunchConfig{
		ID:         s.weather,
		Reason:     types.LaunchPhone,
		Args:       []byte("units=metric"),
		Forcefully: true,
	}).Return(nil).Once()

	w := s.do("POST", fmt.Sprintf("/apps/%d/launch", s.weather), `{"reason":"phone","args":"units=metric","forcefully":true}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "phone", decode(t, w)["reason"])
	s.kernel.AssertExpectations(t)

	// Phone launches move the app to the front of the list
	assert.Equal(t, s.weather, s.registry.List(registry.ListFilter{})[0].ID)
}

func TestLaunchAppDefaultsToUserReason(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Launch", types.LaunchConfig{ID: s.weather, Reason: types.LaunchUser}).Return(nil).Once()

	w := s.do("POST", fmt.Sprintf("/apps/%d/launch", s.weather), "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	s.kernel.AssertExpectations(t)
}

func TestLaunchAppRejects(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown app", path: "/apps/42/launch", want: http.StatusNotFound},
		{name: "worker", path: fmt.Sprintf("/apps/%d/launch", s.steps), want: http.StatusBadRequest},
		{name: "bad id", path: "/apps/x/launch", want: http.StatusBadRequest},
		{name: "args too large", path: fmt.Sprintf("/apps/%d/launch", s.weather), body: `{"args":"` + strings.Repeat("a", 2048) + `"}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do("POST", tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	s.kernel.AssertNotCalled(t, "Launch", mock.Anything)
}

func TestLaunchAppQueueFull(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Launch", mock.Anything).Return(fmt.Errorf("post launch: %w", kernel.ErrQueueFull)).Once()

	w := s.do("POST", fmt.Sprintf("/apps/%d/launch", s.weather), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

func TestLaunchWorker(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("LaunchWorker", types.LaunchConfig{ID: s.steps, Reason: types.LaunchWorker}).Return(nil).Once()

	w := s.do("POST", fmt.Sprintf("/workers/%d/launch", s.steps), "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = s.do("POST", fmt.Sprintf("/workers/%d/launch", s.weather), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	s.kernel.AssertExpectations(t)
}

func TestCloseSlots(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("CloseApp", true).Return(nil).Once()
	s.kernel.On("CloseApp", false).Return(nil).Once()
	s.kernel.On("CloseWorker", true).Return(nil).Once()
	s.kernel.On("ForceQuit").Return(nil).Once()

	assert.Equal(t, http.StatusAccepted, s.do("POST", "/slots/app/close", "").Code)
	assert.Equal(t, http.StatusAccepted, s.do("POST", "/slots/app/close", `{"gracefully":false}`).Code)
	assert.Equal(t, http.StatusAccepted, s.do("POST", "/slots/worker/close", `{}`).Code)
	assert.Equal(t, http.StatusAccepted, s.do("POST", "/slots/app/force-quit", "").Code)
	s.kernel.AssertExpectations(t)
}

func TestPressButton(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Button", types.ButtonSelect).Return(nil).Once()
	s.kernel.On("BackHeld", true).Return(nil).Once()
	s.kernel.On("BackHeld", false).Return(nil).Once()

	assert.Equal(t, http.StatusAccepted, s.do("POST", "/buttons/select", "").Code)
	assert.Equal(t, http.StatusAccepted, s.do("POST", "/buttons/back", `{"action":"hold"}`).Code)
	assert.Equal(t, http.StatusAccepted, s.do("POST", "/buttons/back", `{"action":"release"}`).Code)

	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/buttons/up", `{"action":"hold"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/buttons/home", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/buttons/down", `{"action":"twist"}`).Code)
	s.kernel.AssertExpectations(t)
}

func TestSetRunLevel(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("SetMinRunLevel", types.RunLevelCritical).Return(nil).Once()

	assert.Equal(t, http.StatusAccepted, s.do("PUT", "/runlevel", `{"level":2}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do("PUT", "/runlevel", `{"level":7}`).Code)
	s.kernel.AssertExpectations(t)
}

func TestPower(t *testing.T) {
	s := newTestServer(t)

	w := s.do("PUT", "/power", `{"battery_critical":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.power.BatteryCritical())
	assert.False(t, s.power.LowPower())

	w = s.do("GET", "/power", "")
	body := decode(t, w)
	assert.Equal(t, true, body["battery_critical"])
	assert.Equal(t, false, body["low_power"])
}

func TestCrashes(t *testing.T) {
	s := newTestServer(t)

	first, err := s.crashes.Record(crash.Report{Kind: types.KindApp, InstallID: s.weather, Name: "Weather", Cause: crash.CauseCrashed})
	require.NoError(t, err)
	_, err = s.crashes.Record(crash.Report{Kind: types.KindWorker, InstallID: s.steps, Name: "Steps", Cause: crash.CauseUnresponsive})
	require.NoError(t, err)

	w := s.do("GET", "/crashes?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	crashes := decode(t, w)["crashes"].([]interface{})
	require.Len(t, crashes, 1)
	assert.Equal(t, "Steps", crashes[0].(map[string]interface{})["name"])

	w = s.do("GET", "/crashes/"+first.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Weather", decode(t, w)["name"])

	assert.Equal(t, http.StatusNotFound, s.do("GET", "/crashes/"+id.NewCrashID().String(), "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/crashes/missing", "").Code)
}

func TestTracesWithoutTracer(t *testing.T) {
	s := newTestServer(t)

	w := s.do("GET", "/traces", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])
}

func TestMetricsSnapshot(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Snapshot").Return(types.Snapshot{Stats: types.Stats{Launches: 5, ForcedSwitch: 1}}, nil).Once()

	w := s.do("GET", "/metrics/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	processes := body["processes"].(map[string]interface{})
	assert.EqualValues(t, 5, processes["launches"])
	assert.EqualValues(t, 4, body["registry"].(map[string]interface{})["total"])
}

func TestMetricsSnapshotKernelDown(t *testing.T) {
	s := newTestServer(t)
	s.kernel.On("Snapshot").Return(types.Snapshot{}, kernel.ErrStopped)

	for i := 0; i < 4; i++ {
		w := s.do("GET", "/metrics/snapshot", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, decode(t, w)["kernel_error"])
	}

	// The breaker opens after three failures; the fourth scrape skips the kernel
	s.kernel.AssertNumberOfCalls(t, "Snapshot", 3)
}
