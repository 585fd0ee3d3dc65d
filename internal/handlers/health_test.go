package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/spoilr/internal/handlers/testutil"
	"github.com/charlesng35/spoilr/internal/monitoring"
)

func TestHealthReportsProbes(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report monitoring.HealthReport
	testutil.DecodeInto(t, w.Body.Bytes(), &report)
	require.True(t, report.Success)
	require.Equal(t, monitoring.StatusUp, report.Status)
	require.Len(t, report.Checks, 2)
}

func TestHealthFailsWhenDatabaseCloses(t *testing.T) {
	env := testutil.NewEnv(t)
	sqlDB, err := env.DB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := env.Request(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Request(http.MethodGet, "/api/hunt", "")

	w := env.Request(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", testutil.DecodeResponse(t, w).Error.Code)
}

func TestRealtimeDisabledWithoutHub(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/ws", env.Login("alpha"))
	require.Equal(t, http.StatusNotFound, w.Code)
}
