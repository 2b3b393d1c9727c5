package jobmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestJob(id, tool string) job.Job {
	return job.NewCommandBuilder("true").CreateJob(job.ID(id), tool)
}

// gatedExecutor blocks every job until release is closed.
type gatedExecutor struct {
	release chan struct{}
	calls   int32
	fail    map[job.ID]bool
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{release: make(chan struct{}), fail: map[job.ID]bool{}}
}

func (g *gatedExecutor) execute(ctx context.Context, j job.Job) (*job.Result, error) {
	atomic.AddInt32(&g.calls, 1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return &job.Result{ExitCode: -1}, ctx.Err()
	}
	if g.fail[j.ID()] {
		return &job.Result{Combined: "tool error", ExitCode: 1}, &job.ExitError{Code: 1}
	}
	return &job.Result{Combined: "ok"}, nil
}

func waitForPhase(t *testing.T, m Manager, id job.ID, want job.Phase) *job.Status {
	t.Helper()
	var got *job.Status
	require.Eventually(t, func() bool {
		s, err := m.GetJobStatus(context.Background(), id)
		if err != nil {
			return false
		}
		got = s
		return s != nil && s.Phase == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

// ============================================================================
// Local
// ============================================================================

func TestLocal_UnknownJobIsNil(t *testing.T) {
	m := NewLocal(LocalConfig{WorkerCount: 1})
	require.NoError(t, m.Start())
	defer m.Stop()

	s, err := m.GetJobStatus(context.Background(), "never-submitted")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLocal_RunningThenFinished(t *testing.T) {
	g := newGatedExecutor()
	m := NewLocal(LocalConfig{WorkerCount: 2, Executor: g.execute})
	require.NoError(t, m.Start())
	defer m.Stop()

	ctx := context.Background()
	j := newTestJob("stage_artefact-observations/1/catalogues/a.xml-0", "stage_artefact")
	require.NoError(t, m.StartJob(ctx, j))

	s, err := m.GetJobStatus(ctx, j.ID())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.IsRunning())
	assert.Equal(t, "stage_artefact", s.Type)

	n, err := m.CountRunning(ctx, "stage_artefact")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(g.release)
	s = waitForPhase(t, m, j.ID(), job.PhaseFinished)
	assert.Equal(t, "ok", s.Output)
	assert.Equal(t, 1, m.Stats()["finished"])
}

func TestLocal_FailedJobKeepsOutput(t *testing.T) {
	g := newGatedExecutor()
	j := newTestJob("register_artefact-x-0", "register_artefact")
	g.fail[j.ID()] = true
	close(g.release)

	m := NewLocal(LocalConfig{WorkerCount: 1, Executor: g.execute})
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, m.StartJob(context.Background(), j))
	s := waitForPhase(t, m, j.ID(), job.PhaseFailed)
	assert.Equal(t, "tool error", s.Output)
	assert.Equal(t, 1, s.ExitCode)
}

func TestLocal_HistoryBounded(t *testing.T) {
	g := newGatedExecutor()
	close(g.release)
	m := NewLocal(LocalConfig{WorkerCount: 1, HistorySize: 2, Executor: g.execute})
	require.NoError(t, m.Start())
	defer m.Stop()

	ctx := context.Background()
	ids := []job.ID{"catalogue_import-a-0", "catalogue_import-b-0", "catalogue_import-c-0"}
	for _, id := range ids {
		require.NoError(t, m.StartJob(ctx, newTestJob(string(id), "catalogue_import")))
		waitForPhase(t, m, id, job.PhaseFinished)
	}

	s, err := m.GetJobStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, s, "oldest finished job is forgotten")
	for _, id := range ids[1:] {
		s, err := m.GetJobStatus(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, s, id)
	}
	assert.Equal(t, 2, m.Stats()["finished"])
}

func TestLocal_StartJobIsIdempotent(t *testing.T) {
	g := newGatedExecutor()
	m := NewLocal(LocalConfig{WorkerCount: 2, Executor: g.execute})
	require.NoError(t, m.Start())
	defer m.Stop()

	ctx := context.Background()
	j := newTestJob("catalogue_import-observations/12345/catalogues/filename-0", "catalogue_import")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.StartJob(ctx, j))
		}()
	}
	wg.Wait()
	close(g.release)

	waitForPhase(t, m, j.ID(), job.PhaseFinished)
	assert.Equal(t, int32(1), atomic.LoadInt32(&g.calls))
}

func TestLocal_StartAfterStop(t *testing.T) {
	m := NewLocal(LocalConfig{WorkerCount: 1, Executor: newGatedExecutor().execute})
	require.NoError(t, m.Start())
	m.Stop()

	err := m.StartJob(context.Background(), newTestJob("late", "t"))
	assert.True(t, errors.Is(err, ErrManagerStopped))

	s, _ := m.GetJobStatus(context.Background(), "late")
	require.NotNil(t, s)
	assert.True(t, s.IsFailed())
}

func TestLocal_RealProcess(t *testing.T) {
	m := NewLocal(LocalConfig{WorkerCount: 1})
	require.NoError(t, m.Start())
	defer m.Stop()

	j := job.NewToolBuilder("", map[string]string{"fail_tool": "/bin/sh"}).
		WithPositional("-c", "echo nope; exit 4").
		CreateJob("fail_tool-1-0", "fail_tool")
	require.NoError(t, m.StartJob(context.Background(), j))

	s := waitForPhase(t, m, j.ID(), job.PhaseFailed)
	assert.Equal(t, 4, s.ExitCode)
	assert.Contains(t, s.Output, "nope")
}

// ============================================================================
// Inline
// ============================================================================

func TestInline_RunsSynchronously(t *testing.T) {
	var calls int32
	m := NewInline(func(ctx context.Context, j job.Job) (*job.Result, error) {
		atomic.AddInt32(&calls, 1)
		if j.Type() == "broken" {
			return nil, errors.New("exec: not found")
		}
		return &job.Result{Combined: "done"}, nil
	})
	ctx := context.Background()

	require.NoError(t, m.StartJob(ctx, newTestJob("ok-1", "ok")))
	s, err := m.GetJobStatus(ctx, "ok-1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.IsFinished())
	assert.Equal(t, "done", s.Output)

	require.NoError(t, m.StartJob(ctx, newTestJob("ok-1", "ok")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, m.StartJob(ctx, newTestJob("broken-1", "broken")))
	s, _ = m.GetJobStatus(ctx, "broken-1")
	require.NotNil(t, s)
	assert.True(t, s.IsFailed())
	assert.Equal(t, "exec: not found", s.Output)

	s, _ = m.GetJobStatus(ctx, "unknown")
	assert.Nil(t, s)
}
