package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/archive-deposit/internal/job"
)

// fakeManager starts jobs by recording them; tests finish them by hand.
type fakeManager struct {
	mu       sync.Mutex
	started  []job.ID
	statuses map[job.ID]*job.Status
	failNext error
	external map[string]int
}

func newFakeManager() *fakeManager {
	return &fakeManager{statuses: make(map[job.ID]*job.Status)}
}

func (f *fakeManager) StartJob(_ context.Context, j job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	if _, ok := f.statuses[j.ID()]; ok {
		return nil
	}
	f.started = append(f.started, j.ID())
	f.statuses[j.ID()] = &job.Status{ID: j.ID(), Type: j.Type(), Phase: job.PhaseRunning}
	return nil
}

func (f *fakeManager) GetJobStatus(_ context.Context, id job.ID) (*job.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeManager) finish(id job.ID, phase job.Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id].Phase = phase
}

func (f *fakeManager) startedIDs() []job.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.ID(nil), f.started...)
}

// countingManager also reports running jobs started outside this process.
type countingManager struct {
	*fakeManager
}

func (c countingManager) CountRunning(_ context.Context, jobType string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.external[jobType], nil
}

func stageJob(name string) job.Job {
	return job.NewToolBuilder("/opt/tools", nil).
		WithArg("infile", name).
		CreateJob(job.ID("stage_artefact-"+name+"-0"), "stage_artefact")
}

func catalogueJob(name string) job.Job {
	return job.NewToolBuilder("/opt/tools", nil).
		CreateJob(job.ID("catalogue_import-"+name+"-0"), "catalogue_import")
}

func phaseOf(t *testing.T, q *Queue, id job.ID) job.Phase {
	t.Helper()
	s, err := q.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s, "status of %s", id)
	return s.Phase
}

func TestQueue_LimitsPerType(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 1}, DefaultLimit: Unlimited})
	ctx := context.Background()

	a, b, c := stageJob("a"), stageJob("b"), stageJob("c")
	for _, j := range []job.Job{a, b, c} {
		require.NoError(t, q.StartJob(ctx, j))
	}

	assert.Equal(t, []job.ID{a.ID()}, inner.startedIDs())
	assert.Equal(t, job.PhaseRunning, phaseOf(t, q, a.ID()))
	assert.Equal(t, job.PhaseQueued, phaseOf(t, q, b.ID()))
	assert.Equal(t, job.PhaseQueued, phaseOf(t, q, c.ID()))

	// Nothing frees up while A runs
	assert.Equal(t, 0, q.Drain(ctx))

	inner.finish(a.ID(), job.PhaseFinished)
	assert.Equal(t, 1, q.Drain(ctx))
	assert.Equal(t, []job.ID{a.ID(), b.ID()}, inner.startedIDs())
	assert.Equal(t, job.PhaseQueued, phaseOf(t, q, c.ID()))

	inner.finish(b.ID(), job.PhaseFailed)
	assert.Equal(t, 1, q.Drain(ctx))
	assert.Equal(t, []job.ID{a.ID(), b.ID(), c.ID()}, inner.startedIDs())

	snap := q.Snapshot()
	require.Len(t, snap.Types, 1)
	ts := snap.Types[0]
	assert.Equal(t, "stage_artefact", ts.Type)
	assert.Equal(t, 1, ts.Allowed)
	assert.Empty(t, ts.Queued)
	require.Len(t, ts.Running, 1)
	assert.Equal(t, c.ID(), ts.Running[0].ID)
	require.Len(t, ts.Completed, 2)
	assert.Equal(t, job.PhaseFinished, ts.Completed[0].Phase)
	assert.Equal(t, job.PhaseFailed, ts.Completed[1].Phase)
}

func TestQueue_OtherTypesNotBlocked(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 1, "catalogue_import": 2}})
	ctx := context.Background()

	require.NoError(t, q.StartJob(ctx, stageJob("a")))
	require.NoError(t, q.StartJob(ctx, stageJob("b")))
	require.NoError(t, q.StartJob(ctx, catalogueJob("x")))
	require.NoError(t, q.StartJob(ctx, catalogueJob("y")))

	assert.Len(t, inner.startedIDs(), 3)
	assert.Equal(t, map[string]int{"queued": 1, "running": 3, "completed": 0}, q.Stats())
}

func TestQueue_UnlimitedAndDefaultLimit(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": -1}, DefaultLimit: 0})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, q.StartJob(ctx, stageJob(fmt.Sprint(i))))
	}
	assert.Len(t, inner.startedIDs(), 20)

	// A zero default blocks every unlisted type
	require.NoError(t, q.StartJob(ctx, catalogueJob("x")))
	assert.Len(t, inner.startedIDs(), 20)
	assert.Equal(t, job.PhaseQueued, phaseOf(t, q, catalogueJob("x").ID()))

	q.SetLimit("catalogue_import", 1)
	assert.Equal(t, 1, q.Drain(ctx))
	assert.Len(t, inner.startedIDs(), 21)
}

func TestQueue_StartJobIdempotent(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 1}})
	ctx := context.Background()

	a, b := stageJob("a"), stageJob("b")
	for i := 0; i < 3; i++ {
		require.NoError(t, q.StartJob(ctx, a))
		require.NoError(t, q.StartJob(ctx, b))
	}
	assert.Equal(t, []job.ID{a.ID()}, inner.startedIDs())

	snap := q.Snapshot()
	require.Len(t, snap.Types, 1)
	assert.Len(t, snap.Types[0].Queued, 1)
	assert.Len(t, snap.Types[0].Running, 1)
}

func TestQueue_Pause(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 2}})
	ctx := context.Background()

	running := stageJob("running")
	require.NoError(t, q.StartJob(ctx, running))

	q.SetPaused(true)
	assert.True(t, q.Paused())

	first, second := stageJob("first"), stageJob("second")
	require.NoError(t, q.StartJob(ctx, first))
	require.NoError(t, q.StartJob(ctx, second))

	// Capacity is free but the queue is paused
	assert.Equal(t, 0, q.Drain(ctx))
	assert.Equal(t, []job.ID{running.ID()}, inner.startedIDs())
	assert.Equal(t, job.PhaseQueued, phaseOf(t, q, first.ID()))

	// Running jobs are unaffected and still complete
	inner.finish(running.ID(), job.PhaseFinished)
	assert.Equal(t, job.PhaseFinished, phaseOf(t, q, running.ID()))
	assert.True(t, q.Snapshot().Paused)

	q.SetPaused(false)
	assert.Equal(t, 2, q.Drain(ctx))
	assert.Equal(t, []job.ID{running.ID(), first.ID(), second.ID()}, inner.startedIDs())
}

func TestQueue_FailedStartReportsFailure(t *testing.T) {
	inner := newFakeManager()
	inner.failNext = errors.New("scheduler rejected job")
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 1}})
	ctx := context.Background()

	a, b := stageJob("a"), stageJob("b")
	require.NoError(t, q.StartJob(ctx, a))

	s, err := q.GetJobStatus(ctx, a.ID())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.IsFailed())
	assert.Contains(t, s.Output, "scheduler rejected job")

	// The slot was released
	require.NoError(t, q.StartJob(ctx, b))
	assert.Equal(t, []job.ID{b.ID()}, inner.startedIDs())
}

func TestQueue_ExternalRunningCount(t *testing.T) {
	inner := newFakeManager()
	inner.external = map[string]int{"stage_artefact": 2}
	q := New(countingManager{inner}, Config{Limits: map[string]int{"stage_artefact": 2}})
	ctx := context.Background()

	a := stageJob("a")
	require.NoError(t, q.StartJob(ctx, a))
	assert.Empty(t, inner.startedIDs())

	inner.mu.Lock()
	inner.external["stage_artefact"] = 1
	inner.mu.Unlock()
	assert.Equal(t, 1, q.Drain(ctx))
	assert.Equal(t, []job.ID{a.ID()}, inner.startedIDs())
}

func TestQueue_UnknownJobFailedAfterGrace(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 1}, UnknownGrace: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	a, b := stageJob("a"), stageJob("b")
	require.NoError(t, q.StartJob(ctx, a))
	require.NoError(t, q.StartJob(ctx, b))

	// The backend forgets A
	inner.mu.Lock()
	delete(inner.statuses, a.ID())
	inner.mu.Unlock()

	assert.Equal(t, 0, q.Drain(ctx))
	now = now.Add(30 * time.Second)
	assert.Equal(t, 0, q.Drain(ctx))
	now = now.Add(time.Minute)
	assert.Equal(t, 1, q.Drain(ctx))
	assert.Equal(t, []job.ID{a.ID(), b.ID()}, inner.startedIDs())

	// A is reported failed instead of vanishing
	status, err := q.GetJobStatus(ctx, a.ID())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, job.PhaseFailed, status.Phase)
	assert.Contains(t, status.Output, "unknown")

	// A repeated StartJob does not run A a second time
	require.NoError(t, q.StartJob(ctx, a))
	assert.Equal(t, []job.ID{a.ID(), b.ID()}, inner.startedIDs())
}

func TestQueue_NewJobWaitsBehindQueuedAfterSlotFrees(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 1}})
	ctx := context.Background()

	a, b, d := stageJob("a"), stageJob("b"), stageJob("d")
	require.NoError(t, q.StartJob(ctx, a))
	require.NoError(t, q.StartJob(ctx, b))

	// A finishes and its slot is released by a status poll, before any Drain
	inner.finish(a.ID(), job.PhaseFinished)
	status, err := q.GetJobStatus(ctx, a.ID())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, job.PhaseFinished, status.Phase)

	require.NoError(t, q.StartJob(ctx, d))
	assert.Equal(t, []job.ID{a.ID(), b.ID()}, inner.startedIDs())
	assert.Equal(t, job.PhaseQueued, phaseOf(t, q, d.ID()))

	inner.finish(b.ID(), job.PhaseFinished)
	assert.Equal(t, 1, q.Drain(ctx))
	assert.Equal(t, []job.ID{a.ID(), b.ID(), d.ID()}, inner.startedIDs())
}

func TestQueue_NewJobWaitsBehindQueuedAfterResume(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 1}})
	ctx := context.Background()

	a, d := stageJob("a"), stageJob("d")
	q.SetPaused(true)
	require.NoError(t, q.StartJob(ctx, a))
	assert.Empty(t, inner.startedIDs())

	q.SetPaused(false)
	require.NoError(t, q.StartJob(ctx, d))
	assert.Equal(t, []job.ID{a.ID()}, inner.startedIDs())
	assert.Equal(t, job.PhaseQueued, phaseOf(t, q, d.ID()))

	snap := q.Snapshot()
	require.Len(t, snap.Types, 1)
	require.Len(t, snap.Types[0].Queued, 1)
	assert.Equal(t, d.ID(), snap.Types[0].Queued[0].ID)
}

func TestQueue_HistoryBounded(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{DefaultLimit: Unlimited, HistorySize: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := stageJob(fmt.Sprint(i))
		require.NoError(t, q.StartJob(ctx, j))
		inner.finish(j.ID(), job.PhaseFinished)
	}
	q.Drain(ctx)

	snap := q.Snapshot()
	require.Len(t, snap.Types, 1)
	assert.Len(t, snap.Types[0].Completed, 2)
	assert.Equal(t, stageJob("4").ID(), snap.Types[0].Completed[1].ID)
}

func TestQueue_ConcurrentStartsRespectLimit(t *testing.T) {
	inner := newFakeManager()
	q := New(inner, Config{Limits: map[string]int{"stage_artefact": 3}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.StartJob(ctx, stageJob(fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, inner.startedIDs(), 3)
	assert.Equal(t, 47, q.Stats()["queued"])
}
