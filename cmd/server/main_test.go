package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser/browsertest"
	"github.com/lucasbenitezc/servidor-scraping/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.TempDir = filepath.Join(dir, "temp")
	cfg.Storage.ScreenshotsDir = filepath.Join(dir, "screenshots")
	cfg.Storage.LogsDir = filepath.Join(dir, "logs")
	cfg.Pool.MaxSessions = 2
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestNewAppWiresRoutes(t *testing.T) {
	cfg := testConfig(t)
	launcher := browsertest.NewLauncher()

	a, err := newApp(cfg, launcher, clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	assert.DirExists(t, cfg.Storage.TempDir)
	assert.DirExists(t, cfg.Storage.ScreenshotsDir)
	assert.Equal(t, []string{"afip", "pjn", "tad"}, a.orch.Services())
	assert.Equal(t, 2, a.pool.Capacity())

	routes := map[string]bool{}
	for _, r := range a.api.Router().Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health", "GET /metrics", "POST /login", "POST /notifications",
		"POST /download", "GET /sessions", "GET /sessions/events",
		"GET /sse", "POST /message",
	} {
		assert.True(t, routes[want], want)
	}

	w := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.api.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "scraper_http_requests_total"))
}

func TestNewAppWithoutMCP(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCP.Enabled = false

	a, err := newApp(cfg, browsertest.NewLauncher(), clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	for _, r := range a.api.Router().Routes() {
		assert.NotEqual(t, "/sse", r.Path)
	}
}

func TestAppCloseEvictsSessions(t *testing.T) {
	cfg := testConfig(t)
	launcher := browsertest.NewLauncher()
	a, err := newApp(cfg, launcher, clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)

	_, err = a.pool.Acquire(context.Background(), "s1", "pjn")
	require.NoError(t, err)
	require.Equal(t, 1, launcher.OpenHandles())

	require.NoError(t, a.close())
	assert.Equal(t, 0, a.pool.Len())
	assert.Equal(t, 0, launcher.OpenHandles())
}

func TestServeHTTPStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	a, err := newApp(cfg, browsertest.NewLauncher(), clockwork.NewRealClock(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serveHTTP(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownGrace + time.Second):
		t.Fatal("server did not stop")
	}
}
