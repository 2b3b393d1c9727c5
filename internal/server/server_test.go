package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/archive-deposit/internal/controller"
	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager"
	"github.com/ChuLiYu/archive-deposit/internal/metrics"
	"github.com/ChuLiYu/archive-deposit/internal/throttle"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// failingTools 讓指定工具失敗的 executor
func failingTools(tools ...string) func(context.Context, job.Job) (*job.Result, error) {
	fail := map[string]bool{}
	for _, t := range tools {
		fail[t] = true
	}
	return func(_ context.Context, j job.Job) (*job.Result, error) {
		if fail[j.Type()] {
			return &job.Result{Combined: "Error in " + j.Type() + ": boom", ExitCode: 1}, &job.ExitError{Code: 1}
		}
		return &job.Result{Combined: "ok"}, nil
	}
}

func newTestServer(t *testing.T, withQueue bool, failing ...string) (*Server, *controller.Controller) {
	t.Helper()
	dir := t.TempDir()

	var jobs jobmanager.Manager = jobmanager.NewInline(failingTools(failing...))
	var queue *throttle.Queue
	if withQueue {
		queue = throttle.New(jobs, throttle.Config{DefaultLimit: throttle.Unlimited})
		jobs = queue
	}
	factory, err := deposit.NewFactory(deposit.FactoryConfig{
		Jobs:        jobs,
		Builder:     job.NewCommandBuilder("/usr/bin/true"),
		Paths:       deposit.Paths{ObservationRoot: filepath.ToSlash(dir), Level7Root: filepath.ToSlash(dir)},
		AutoAdvance: true,
	})
	require.NoError(t, err)

	m := metrics.NewCollector(nil)
	ctrl, err := controller.New(controller.Config{
		JournalPath:  filepath.Join(dir, "state", "journal.log"),
		SnapshotPath: filepath.Join(dir, "state", "snapshot.json"),
		Concurrency:  2,
	}, controller.Deps{Factory: factory, Queue: queue, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(ctrl.Stop)

	p, err := deposit.NewObservation(factory, "12345")
	require.NoError(t, err)
	_, err = p.AddChild(types.KindCatalogue, "a.xml", deposit.WithCatalogueType("continuum-island"))
	require.NoError(t, err)
	require.NoError(t, ctrl.Register(p))

	return New(ctrl, m), ctrl
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDepositables(t *testing.T) {
	s, _ := newTestServer(t, false)

	rec := do(t, s, http.MethodGet, "/api/depositables", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []controller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "observations/12345", list[0].UID)
	assert.Equal(t, types.StateUndeposited, list[0].State)

	rec = do(t, s, http.MethodGet, "/api/depositables?state=deposited", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/depositables?state=lost", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/depositables/observations/12345/catalogues/a.xml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st controller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "observations/12345", st.UID)

	rec = do(t, s, http.MethodGet, "/api/depositables/observations/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecover(t *testing.T) {
	s, ctrl := newTestServer(t, false, deposit.ToolCatalogueImport)
	for i := 0; i < 5; i++ {
		ctrl.ProgressOnce(context.Background())
	}
	st, err := ctrl.Get("observations/12345")
	require.NoError(t, err)
	require.Equal(t, types.StateFailed, st.State)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing uid", `{}`, http.StatusBadRequest},
		{"bad json", `{"uid":`, http.StatusBadRequest},
		{"unknown", `{"uid":"observations/1"}`, http.StatusNotFound},
		{"unknown child", `{"uid":"observations/12345/catalogues/b.xml"}`, http.StatusNotFound},
		{"recovers parent", `{"uid":"observations/12345"}`, http.StatusOK},
		{"second recover is illegal", `{"uid":"observations/12345"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/depositables/recover", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	st, err = ctrl.Get("observations/12345")
	require.NoError(t, err)
	assert.Equal(t, types.StatePriorityDepositing, st.State)
	assert.Equal(t, 1, st.FailureCount)
}

func TestAdvance(t *testing.T) {
	s, _ := newTestServer(t, false)

	rec := do(t, s, http.MethodPost, "/api/depositables/advance", `{"uid":"observations/12345","state":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/depositables/advance", `{"uid":"observations/12345","state":"processed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/depositables/release", `{"uid":"observations/12345"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueue(t *testing.T) {
	s, ctrl := newTestServer(t, true)

	rec := do(t, s, http.MethodPost, "/api/queue/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctrl.Queue().Paused())

	// 暫停時任務進入佇列
	ctrl.ProgressOnce(context.Background())
	ctrl.ProgressOnce(context.Background())
	ctrl.ProgressOnce(context.Background())

	rec = do(t, s, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap throttle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Paused)
	var queued int
	for _, ts := range snap.Types {
		queued += len(ts.Queued)
	}
	assert.Equal(t, 1, queued)

	rec = do(t, s, http.MethodPut, "/api/queue/limits/"+deposit.ToolCatalogueImport, `{"limit":3}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodPut, "/api/queue/limits/rsync", `{"limit":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/queue/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctrl.Queue().Paused())
}

func TestQueue_NotConfigured(t *testing.T) {
	s, _ := newTestServer(t, false)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/queue", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/queue/pause", "").Code)
}

func TestStatusMetricsAndHealth(t *testing.T) {
	s, ctrl := newTestServer(t, true)
	ctrl.ProgressOnce(context.Background())

	rec := do(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["running"])
	assert.Contains(t, status, "queue")

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deposit_transitions_total")

	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/healthz", "").Code)

	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	require.NoError(t, ctrl.Start(context.Background()))
	s.SetServing(true)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	resp, err = s.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestServe(t *testing.T) {
	s, _ := newTestServer(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0", "127.0.0.1:0") }()

	cancel()
	assert.NoError(t, <-done)
}
