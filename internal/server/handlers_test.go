package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhkim-dev/tickpulse/internal/admission"
	"github.com/dhkim-dev/tickpulse/internal/config"
	"github.com/dhkim-dev/tickpulse/internal/registry"
)

// mockRedisClient provides a minimal mock for health check testing
type mockRedisClient struct {
	pingErr error
}

func (m *mockRedisClient) Ping(ctx context.Context) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(ctx)
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

// brokenStore always fails so the limiter runs on its local fallback.
type brokenStore struct{}

func (brokenStore) CheckAndIncrement(context.Context, string, int, time.Duration) (bool, int, time.Duration, error) {
	return false, 0, 0, errors.New("store unavailable")
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "8080",
		HeartbeatInterval:     30 * time.Second,
		ReconnectGraceWindow:  2 * time.Minute,
		MaxConnections:        100,
		MaxConnectionsPerIP:   100,
		ConnectionsPerSecond:  1000,
		ConnectionBurst:       1000,
		AnonymousHourlyLimit:  100000,
		BasicHourlyLimit:      100000,
		ProHourlyLimit:        100000,
		EndpointLimitPaths:    "/api/connections,/api/instances",
		EndpointLimitRequests: 1000,
		EndpointLimitWindow:   time.Minute,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *registry.Registry) {
	t.Helper()

	reg := registry.New(clockwork.NewFakeClock(), cfg.HeartbeatInterval, cfg.ReconnectGraceWindow)
	t.Cleanup(reg.Close)

	limiter := admission.NewLimiter(brokenStore{}, admission.NewSlidingWindow(clockwork.NewRealClock()))
	srv := NewServer(cfg, reg, nil, nil, limiter)
	return srv, reg
}

func TestHandleLiveness(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleReadiness_Healthy(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	srv.redisHealthCheck = &mockRedisClient{}

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestHandleReadiness_RedisDown(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	srv.redisHealthCheck = &mockRedisClient{pingErr: errors.New("connection refused")}

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestHandleStats(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats registry.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.ActiveConnections)
}

func TestHandleConnections(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestAdmission_RejectsOverBudget(t *testing.T) {
	cfg := testConfig()
	cfg.AnonymousHourlyLimit = 2
	srv, _ := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdmission_HealthEndpointsBypass(t *testing.T) {
	cfg := testConfig()
	cfg.AnonymousHourlyLimit = 1
	srv, _ := newTestServer(t, cfg)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAdmission_EndpointBudgetEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.EndpointLimitPaths = "/api/connections"
	cfg.EndpointLimitRequests = 2
	cfg.EndpointLimitWindow = time.Minute
	srv, _ := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// The tier budget still admits other paths
	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
