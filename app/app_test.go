package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/profile-engine/api"
	"github.com/warp/profile-engine/app"
	"github.com/warp/profile-engine/config"
	"github.com/warp/profile-engine/scheduler"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:       "profile-engine-test",
		DatabaseDriver:    "sqlite",
		DatabaseURL:       ":memory:",
		LifecycleSchedule: "@daily",
		RatesSchedule:     "@hourly",
		RatesBase:         "USD",
		ContactWindow:     72 * time.Hour,
		LifecycleTimeout:  time.Minute,
	}
}

func TestNew_WiresComponents(t *testing.T) {
	a, err := app.New(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	run, err := a.Lifecycle.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.Activated)

	router := api.NewRouter(a.Handler(nil), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/lifecycle/runs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_RunsScheduledJob(t *testing.T) {
	// GIVEN: the server wiring, with the scheduler behind the job endpoint
	a, err := app.New(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	sched := scheduler.New(zerolog.Nop(), a.Jobs())
	router := api.NewRouter(a.Handler(sched), nil)

	// WHEN
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs/"+app.JobLifecycle+"/run", nil))

	// THEN: the sweep ran and left its audit record
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	runs, err := a.Store.ListLifecycleRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs/"+app.JobRates+"/run", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs(t *testing.T) {
	cfg := testConfig()
	a, err := app.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	jobs := a.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, app.JobLifecycle, jobs[0].Name)

	cfg.RatesURL = "http://rates.invalid/latest"
	jobs = a.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, app.JobRates, jobs[1].Name)
	assert.Equal(t, "@hourly", jobs[1].Schedule)
}

func TestNew_BadDriver(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseDriver = "oracle"
	_, err := app.New(cfg, zerolog.Nop())
	assert.Error(t, err)
}
