package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/config"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/logging"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
	"github.com/w200024212/pebbleos-sub001/internal/sysapps"
)

const helloUUID = "5e0c8d2a-91b4-4f63-a7e2-2c4d6f8a0b1c"

func startServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	appsDir := filepath.Join(dir, "apps")
	require.NoError(t, os.MkdirAll(filepath.Join(appsDir, "hello"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "hello", "hello.bin"), make([]byte, 512), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "hello", "manifest.yaml"), []byte(`
uuid: `+helloUUID+`
name: Hello
sdk: sdk3
binary: hello.bin
entry: `+sysapps.EntryHello+`
`), 0o644))

	cfg := config.Default()
	cfg.Storage.RegistryDir = appsDir
	cfg.Storage.PrefsFile = filepath.Join(dir, "prefs.toml")
	cfg.Crash.ReportDir = ""
	cfg.RateLimit.Enabled = false
	cfg.Logging.Development = true

	reg := prometheus.NewRegistry()
	srv, err := NewServer(cfg, logging.NewNop(), Options{
		Registerer: reg,
		Gatherer:   reg,
		Halter:     process.PanicHalter(zap.NewNop()),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.RunKernel(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("kernel main did not stop")
		}
		require.NoError(t, srv.Close())
	})
	return srv
}

func request(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func currentApp(t *testing.T, s *Server) types.InstallID {
	t.Helper()
	w := request(t, s, "GET", "/status", "")
	if w.Code != http.StatusOK {
		return types.InstallIDInvalid
	}
	var snap types.Snapshot
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &snap))
	if snap.App == nil {
		return types.InstallIDInvalid
	}
	return snap.App.InstallID
}

func TestBootStartsBuiltinWatchface(t *testing.T) {
	s := startServer(t)

	require.Eventually(t, func() bool {
		return currentApp(t, s) == sysapps.WatchfaceID
	}, 3*time.Second, 20*time.Millisecond)

	w := request(t, s, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(t, s, "PUT", "/loglevel", `{"level":"debug"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", s.logger.Level())
}

func TestLaunchAndExitToWatchface(t *testing.T) {
	s := startServer(t)
	require.Eventually(t, func() bool {
		return currentApp(t, s) == sysapps.WatchfaceID
	}, 3*time.Second, 20*time.Millisecond)

	hello, err := s.registry.LookupUUID(helloUUID)
	require.NoError(t, err)

	w := request(t, s, "POST", fmt.Sprintf("/apps/%d/launch", hello), `{"reason":"user"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return currentApp(t, s) == hello
	}, 3*time.Second, 20*time.Millisecond)

	// Select makes the app report success and exit, which routes to the
	// default watchface
	w = request(t, s, "POST", "/buttons/select", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return currentApp(t, s) == sysapps.WatchfaceID
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t)
	require.Eventually(t, func() bool {
		return currentApp(t, s) == sysapps.WatchfaceID
	}, 3*time.Second, 20*time.Millisecond)

	w := request(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "watchd_kernel_events_total")
	assert.Contains(t, w.Body.String(), "watchd_registry_apps")

	w = request(t, s, "GET", "/metrics/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processes"`)
}
