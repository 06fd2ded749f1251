package webapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lineforge/lineforge/internal/logging"
	"github.com/lineforge/lineforge/internal/registry"
	"github.com/lineforge/lineforge/internal/session"
)

func newTestServer(t *testing.T, token string) (*Server, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "sessions"), filepath.Join(dir, "sock"))
	srv := New(Config{ListenAddr: "127.0.0.1:0", Token: token, DefaultTool: session.ToolClaude}, reg)
	return srv, reg
}

func TestHealthzEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"ok":true`)
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "[]\n", rr.Body.String())
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/deadbeef", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), "NOT_FOUND")
}

func TestSpawnWithUnknownToolReturnsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body := strings.NewReader(`{"tool":"not-a-real-tool"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "BAD_TOOL")
}

func TestRequestsRequireTokenWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions?token=secret-token", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestInputOnUnknownSessionReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body := strings.NewReader(`{"text":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/deadbeef/input", body)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWithRecoverWritesCrashDumpOnPanic(t *testing.T) {
	logging.Init(logging.Config{Debug: true, LogDir: t.TempDir()})
	defer logging.Shutdown()

	dir := t.TempDir()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	rr := httptest.NewRecorder()
	withRecover(log, dir, panicking).ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "crash-"))
}

func TestUnknownActionReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/deadbeef/frobnicate", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}
