package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/labctl/internal/config"
	"github.com/danmuck/labctl/internal/protocol/session"
	"github.com/danmuck/labctl/internal/shim"
	"github.com/danmuck/labctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource session.Snapshot

func (f fixedSource) Snapshot() session.Snapshot { return session.Snapshot(f) }

func newTestServer(t *testing.T, checker ShimChecker) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	src := fixedSource{ID: "s-1", Address: "10.0.0.5:13000", State: "ready", LastNotification: "COMPLETED"}
	return New(config.DiagConfig{CorsOrigins: []string{"http://lab.local"}}, src, checker)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://lab.local")
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	w := get(t, newTestServer(t, nil), "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://lab.local", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Body.String(), `"service":"labctl"`)
}

func TestStatusIncludesShimValidity(t *testing.T) {
	testlog.Start(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := shim.NewFileStore(filepath.Join(t.TempDir(), "shim.toml"))
	cache := shim.NewCache(store, shim.WithNow(func() time.Time { return now }))
	require.NoError(t, cache.Save(context.Background(), "10.0.0.5:13000", shim.Record{
		Timestamp: now.Add(-time.Hour), LineWidth50: 0.5, LineWidth055: 9, Passed: true,
	}))

	w := get(t, newTestServer(t, cache), "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Session session.Snapshot `json:"session"`
		Shim    shim.Status      `json:"shim"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Session.State)
	assert.Equal(t, "COMPLETED", body.Session.LastNotification)
	assert.True(t, body.Shim.Valid)
	assert.Equal(t, "1h0m0s", body.Shim.Age)
}

func TestStatusWithoutShimChecker(t *testing.T) {
	testlog.Start(t)
	w := get(t, newTestServer(t, nil), "/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"shim"`)
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, nil)
	get(t, s, "/health")
	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "labctl_http_requests_total"))
}
