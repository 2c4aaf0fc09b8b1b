package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/coordinator"
	"github.com/jobsift/harvester/internal/harvest"
	"github.com/jobsift/harvester/internal/policy"
)

type fakeOrchestrator struct {
	running    atomic.Bool
	runCalls   atomic.Int32
	cancelable atomic.Bool
	progress   coordinator.Progress
}

func (f *fakeOrchestrator) Run(ctx context.Context, runType string) (harvest.RunSummary, error) {
	f.runCalls.Add(1)
	return harvest.RunSummary{RunID: "run-1", Type: runType, Status: harvest.RunStatusCompleted}, nil
}

func (f *fakeOrchestrator) Progress() coordinator.Progress {
	p := f.progress
	p.Running = f.running.Load()
	return p
}

func (f *fakeOrchestrator) RequestCancel() bool {
	return f.cancelable.Load()
}

type fakeInspector struct{}

func (fakeInspector) Metrics() map[string]policy.OriginMetrics {
	return map[string]policy.OriginMetrics{
		"https://careers.acme.test": {Failures: 2, CircuitOpen: true},
	}
}

func newTestServer(t *testing.T, orch *fakeOrchestrator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(orch, fakeInspector{}, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeOrchestrator{})

	var body map[string]string
	resp := getJSON(t, srv.URL+"/healthz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = getJSON(t, srv.URL+"/readyz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])
}

func TestProgressEndpoint(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{progress: coordinator.Progress{
		RunID:         "run-7",
		RunType:       "scheduled",
		CurrentTarget: "acme-careers",
		Total:         10,
		Completed:     4,
		Succeeded:     3,
	}}
	orch.running.Store(true)
	srv := newTestServer(t, orch)

	var body coordinator.Progress
	resp := getJSON(t, srv.URL+"/v1/progress", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, body.Running)
	require.Equal(t, "run-7", body.RunID)
	require.Equal(t, "scheduled", body.RunType)
	require.Equal(t, "acme-careers", body.CurrentTarget)
	require.Equal(t, 10, body.Total)
	require.Equal(t, 4, body.Completed)
}

func TestPoliciesEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeOrchestrator{})

	var body struct {
		Origins map[string]policy.OriginMetrics `json:"origins"`
	}
	resp := getJSON(t, srv.URL+"/v1/policies", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body.Origins, "https://careers.acme.test")
	require.True(t, body.Origins["https://careers.acme.test"].CircuitOpen)
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	srv := newTestServer(t, orch)

	var body map[string]string
	resp := postJSON(t, srv.URL+"/v1/runs?type=backfill", &body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "started", body["status"])
	require.Equal(t, "backfill", body["type"])

	require.Eventually(t, func() bool {
		return orch.runCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartRunDefaultsToManual(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeOrchestrator{})

	var body map[string]string
	resp := postJSON(t, srv.URL+"/v1/runs", &body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "manual", body["type"])
}

func TestStartRunConflictsWhileRunning(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	orch.running.Store(true)
	srv := newTestServer(t, orch)

	var body map[string]string
	resp := postJSON(t, srv.URL+"/v1/runs", &body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "run already in progress", body["error"])
	require.Zero(t, orch.runCalls.Load())
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	orch.cancelable.Store(true)
	srv := newTestServer(t, orch)

	var body map[string]string
	resp := postJSON(t, srv.URL+"/v1/runs/cancel", &body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "cancelling", body["status"])
}

func TestCancelRunWithoutActiveRun(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeOrchestrator{})

	var body map[string]string
	resp := postJSON(t, srv.URL+"/v1/runs/cancel", &body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "no run in progress", body["error"])
}
