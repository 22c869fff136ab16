package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/sparkfleet/internal/errors"
)

// checkerFunc adapts a closure to HealthChecker, standing in for the
// store ping and beat-lock checkers serve registers.
type checkerFunc func(ctx context.Context) error

func (f checkerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

func healthyChecker() checkerFunc {
	return func(context.Context) error { return nil }
}

func deadChecker(msg string) checkerFunc {
	return func(context.Context) error { return errors.New(msg) }
}

// blockedChecker waits out its context, like a store ping against a
// wedged database.
func blockedChecker() checkerFunc {
	return func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealthHandler_AllDependenciesHealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("store", healthyChecker())
	manager.RegisterChecker("beat", healthyChecker())

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeHealth(t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["store"])
	assert.Equal(t, "healthy", resp.Checks["beat"])
}

func TestHealthHandler_DeadStoreFailsReadiness(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("store", deadChecker("database is closed"))
	manager.RegisterChecker("beat", healthyChecker())

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// A checker that errors promptly is unhealthy, not a timeout: the
	// probe must answer 503 so orchestrators pull the instance.
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)

	checks, ok := body.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "expected per-check detail in the 503 body")
	assert.Equal(t, "unhealthy", checks["store"])
	assert.Equal(t, "healthy", checks["beat"])
}

func TestHealthHandler_BlockedCheckerDegrades(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", blockedChecker())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeHealth(t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["store"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	assert.Equal(t, "healthy", manager.determineOverallStatus(map[string]string{
		"store": "healthy", "beat": "healthy",
	}))
	assert.Equal(t, "degraded", manager.determineOverallStatus(map[string]string{
		"store": "healthy", "beat": "timeout",
	}))
	// Unhealthy wins over a concurrent timeout.
	assert.Equal(t, "unhealthy", manager.determineOverallStatus(map[string]string{
		"store": "unhealthy", "beat": "timeout",
	}))
}

func TestSimpleProbes_IgnoreCheckers(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", deadChecker("down"))

	// Liveness and startup only report that the process serves requests.
	for _, probe := range []http.HandlerFunc{manager.LivenessHandler, manager.StartupHandler} {
		rec := httptest.NewRecorder()
		probe(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	// Readiness mirrors the full health probe.
	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGlobalManagerLifecycle(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())

	// Before init every probe answers 503.
	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	InitHealthManager("0.3.0")
	require.NotNil(t, GetHealthManager())
	GetHealthManager().RegisterChecker("store", healthyChecker())

	for _, probe := range []http.HandlerFunc{
		HealthHandler, LivenessHandler, ReadinessHandler, StartupHandler,
	} {
		rec := httptest.NewRecorder()
		probe(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
