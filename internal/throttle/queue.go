// ============================================================================
// Throttled Job Queue - 每種任務類型的併發限制
// ============================================================================
//
// Package: internal/throttle
// 文件: queue.go
// 功能: 包裝未節流的 jobmanager.Manager，依任務類型限制同時執行數量
//
// 行為:
//   - StartJob: 先加入該類型的 FIFO 佇列；未暫停時依空位從佇列頭啟動
//   - Drain:    週期性呼叫，刷新執行中任務狀態並依 FIFO 啟動有空位的類型
//   - SetPaused: 暫停時不啟動任何新任務，執行中任務不受影響，佇列仍接受新任務
//   - Snapshot: 每種類型的佇列/執行中/已完成清單、允許數量、暫停旗標
//
// 資料結構:
//   queued   map[type][]entry  - FIFO 佇列
//   running  map[type][]entry  - 已交給底層管理器的任務
//   finished map[type][]entry  - 最近完成的任務（有上限）
//   index    map[JobID]where   - 快速判斷任務所在位置
//
// 並發安全:
//   所有狀態由單一 mutex 保護；呼叫底層管理器時不持有鎖，
//   啟動前先在鎖內保留名額，因此併發 StartJob 不會超出上限。
//
// ============================================================================

package throttle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager"
)

// Unlimited is the limit value meaning no concurrency cap.
const Unlimited = -1

// Config 節流佇列配置
type Config struct {
	Limits       map[string]int // 任務類型 → 最大同時執行數，負數表示不限
	DefaultLimit int            // 未列出類型的上限，負數表示不限
	HistorySize  int            // 每種類型保留的已完成任務數
	UnknownGrace time.Duration  // 底層管理器持續回報未知多久後釋放名額
}

type location int

const (
	locQueued location = iota + 1
	locRunning
	locFailedStart
)

type entry struct {
	job     job.Job
	phase   job.Phase
	since   time.Time
	output  string
	missing time.Time // first time the wrapped manager reported the job unknown
}

// Queue implements jobmanager.Manager with per-type throttling.
type Queue struct {
	inner   jobmanager.Manager
	counter jobmanager.RunningCounter

	mu       sync.Mutex
	config   Config
	paused   bool
	queued   map[string][]*entry
	running  map[string][]*entry
	finished map[string][]*entry
	index    map[job.ID]location
	failed   map[job.ID]*entry
	now      func() time.Time
}

// New 建立節流佇列；若 inner 實作 RunningCounter，啟動判斷會同時參考外部數量
func New(inner jobmanager.Manager, config Config) *Queue {
	if config.HistorySize <= 0 {
		config.HistorySize = 50
	}
	if config.UnknownGrace <= 0 {
		config.UnknownGrace = 5 * time.Minute
	}
	limits := make(map[string]int, len(config.Limits))
	for k, v := range config.Limits {
		limits[k] = v
	}
	config.Limits = limits

	q := &Queue{
		inner:    inner,
		config:   config,
		queued:   make(map[string][]*entry),
		running:  make(map[string][]*entry),
		finished: make(map[string][]*entry),
		index:    make(map[job.ID]location),
		failed:   make(map[job.ID]*entry),
		now:      time.Now,
	}
	if c, ok := inner.(jobmanager.RunningCounter); ok {
		q.counter = c
	}
	return q
}

// ============================================================================
// jobmanager.Manager
// ============================================================================

// StartJob 啟動或排入佇列；同一 ID 重複呼叫不會產生第二個任務
func (q *Queue) StartJob(ctx context.Context, j job.Job) error {
	external := q.externalRunning(ctx, j.Type())

	q.mu.Lock()
	if _, known := q.index[j.ID()]; known {
		q.mu.Unlock()
		return nil
	}

	e := &entry{job: j, phase: job.PhaseQueued, since: q.now()}
	q.queued[j.Type()] = append(q.queued[j.Type()], e)
	q.index[j.ID()] = locQueued
	var batch []*entry
	if !q.paused {
		batch = q.takeLocked(j.Type(), external)
	}
	waiting := q.index[j.ID()] == locQueued
	depth := len(q.queued[j.Type()])
	q.mu.Unlock()

	if waiting {
		slog.Debug("Job queued", "jobID", j.ID(), "type", j.Type(), "depth", depth)
	}
	for _, b := range batch {
		q.start(ctx, b)
	}
	return nil
}

// GetJobStatus 佇列中的任務回報 queued；其餘委派給底層管理器
func (q *Queue) GetJobStatus(ctx context.Context, id job.ID) (*job.Status, error) {
	q.mu.Lock()
	switch q.index[id] {
	case locQueued:
		e := q.findLocked(q.queued, id)
		q.mu.Unlock()
		if e == nil {
			return nil, nil
		}
		return &job.Status{ID: id, Type: e.job.Type(), Phase: job.PhaseQueued, UpdatedAt: e.since}, nil
	case locFailedStart:
		e := q.failed[id]
		q.mu.Unlock()
		return &job.Status{ID: id, Type: e.job.Type(), Phase: job.PhaseFailed, Output: e.output, ExitCode: -1, UpdatedAt: e.since}, nil
	}
	q.mu.Unlock()

	status, err := q.inner.GetJobStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if status != nil && status.IsTerminal() {
		q.mu.Lock()
		q.completeLocked(id, status)
		q.mu.Unlock()
	}
	return status, nil
}

// ============================================================================
// 佇列控制
// ============================================================================

// SetPaused 設定暫停旗標；解除暫停後由下一次 Drain 依 FIFO 啟動
func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	changed := q.paused != paused
	q.paused = paused
	q.mu.Unlock()
	if changed {
		slog.Info("Job queues paused state changed", "paused", paused)
	}
}

// Paused 回傳暫停旗標
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SetLimit 調整單一類型的上限
func (q *Queue) SetLimit(jobType string, limit int) {
	q.mu.Lock()
	q.config.Limits[jobType] = limit
	q.mu.Unlock()
}

// Drain refreshes running jobs and starts queued jobs, FIFO per type, for
// every type with spare capacity. It returns the number of jobs started.
func (q *Queue) Drain(ctx context.Context) int {
	q.refresh(ctx)

	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return 0
	}
	types := make([]string, 0, len(q.queued))
	for t, entries := range q.queued {
		if len(entries) > 0 {
			types = append(types, t)
		}
	}
	q.mu.Unlock()
	sort.Strings(types)

	started := 0
	for _, t := range types {
		external := q.externalRunning(ctx, t)

		q.mu.Lock()
		if q.paused {
			q.mu.Unlock()
			break
		}
		batch := q.takeLocked(t, external)
		q.mu.Unlock()

		for _, e := range batch {
			q.start(ctx, e)
			started++
		}
	}
	return started
}

// ============================================================================
// Snapshot
// ============================================================================

// Entry is one job in a snapshot list.
type Entry struct {
	ID     job.ID    `json:"id"`
	Phase  job.Phase `json:"phase"`
	Since  time.Time `json:"since"`
	Output string    `json:"output,omitempty"`
}

// TypeSnapshot 單一任務類型的觀察視圖
type TypeSnapshot struct {
	Type      string  `json:"type"`
	Allowed   int     `json:"allowed"`
	Queued    []Entry `json:"queued"`
	Running   []Entry `json:"running"`
	Completed []Entry `json:"completed"`
}

// Snapshot 整個佇列的觀察視圖
type Snapshot struct {
	Paused bool           `json:"paused"`
	Types  []TypeSnapshot `json:"types"`
}

// Snapshot returns a consistent copy of every per-type list.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := map[string]bool{}
	for t := range q.config.Limits {
		seen[t] = true
	}
	for _, m := range []map[string][]*entry{q.queued, q.running, q.finished} {
		for t := range m {
			seen[t] = true
		}
	}
	names := make([]string, 0, len(seen))
	for t := range seen {
		names = append(names, t)
	}
	sort.Strings(names)

	snap := Snapshot{Paused: q.paused, Types: make([]TypeSnapshot, 0, len(names))}
	for _, t := range names {
		snap.Types = append(snap.Types, TypeSnapshot{
			Type:      t,
			Allowed:   q.limitLocked(t),
			Queued:    toEntries(q.queued[t]),
			Running:   toEntries(q.running[t]),
			Completed: toEntries(q.finished[t]),
		})
	}
	return snap
}

// Stats 回傳各類型的聚合數量
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]int{"queued": 0, "running": 0, "completed": 0}
	for _, es := range q.queued {
		stats["queued"] += len(es)
	}
	for _, es := range q.running {
		stats["running"] += len(es)
	}
	for _, es := range q.finished {
		stats["completed"] += len(es)
	}
	return stats
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (q *Queue) start(ctx context.Context, e *entry) {
	if err := q.inner.StartJob(ctx, e.job); err != nil {
		slog.Warn("Failed to start job", "jobID", e.job.ID(), "type", e.job.Type(), "error", err)
		q.mu.Lock()
		q.removeLocked(q.running, e.job.Type(), e.job.ID())
		e.phase = job.PhaseFailed
		e.output = err.Error()
		e.since = q.now()
		q.failed[e.job.ID()] = e
		q.index[e.job.ID()] = locFailedStart
		q.appendFinishedLocked(e)
		q.mu.Unlock()
		return
	}
	slog.Debug("Job started", "jobID", e.job.ID(), "type", e.job.Type())
}

// refresh polls every running job and releases slots of terminal ones.
func (q *Queue) refresh(ctx context.Context) {
	q.mu.Lock()
	var ids []job.ID
	for _, es := range q.running {
		for _, e := range es {
			ids = append(ids, e.job.ID())
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		status, err := q.inner.GetJobStatus(ctx, id)
		if err != nil {
			slog.Warn("Failed to refresh job status", "jobID", id, "error", err)
			continue
		}

		q.mu.Lock()
		switch {
		case status == nil:
			q.markMissingLocked(id)
		case status.IsTerminal():
			q.completeLocked(id, status)
		}
		q.mu.Unlock()
	}
}

func (q *Queue) markMissingLocked(id job.ID) {
	if q.index[id] != locRunning {
		return
	}
	for _, es := range q.running {
		for _, e := range es {
			if e.job.ID() != id {
				continue
			}
			now := q.now()
			if e.missing.IsZero() {
				e.missing = now
				return
			}
			if now.Sub(e.missing) >= q.config.UnknownGrace {
				slog.Warn("Failing job unknown to job manager", "jobID", id, "grace", q.config.UnknownGrace)
				q.removeLocked(q.running, e.job.Type(), id)
				e.phase = job.PhaseFailed
				e.output = "job unknown to job manager"
				e.since = now
				q.failed[id] = e
				q.index[id] = locFailedStart
				q.appendFinishedLocked(e)
			}
			return
		}
	}
}

func (q *Queue) completeLocked(id job.ID, status *job.Status) {
	if q.index[id] != locRunning {
		return
	}
	e := q.removeLocked(q.running, status.Type, id)
	if e == nil {
		// status.Type may be empty for some backends
		for t := range q.running {
			if e = q.removeLocked(q.running, t, id); e != nil {
				break
			}
		}
	}
	delete(q.index, id)
	if e == nil {
		return
	}
	e.phase = status.Phase
	e.output = status.Output
	e.since = q.now()
	q.appendFinishedLocked(e)
}

func (q *Queue) appendFinishedLocked(e *entry) {
	t := e.job.Type()
	q.finished[t] = append(q.finished[t], e)
	if over := len(q.finished[t]) - q.config.HistorySize; over > 0 {
		for _, old := range q.finished[t][:over] {
			if q.index[old.job.ID()] == locFailedStart {
				delete(q.index, old.job.ID())
				delete(q.failed, old.job.ID())
			}
		}
		q.finished[t] = q.finished[t][over:]
	}
}

// takeLocked reserves slots for the head of jobType's queue, up to capacity.
// 新任務一律先入列，避免越過已排隊的同類型任務
func (q *Queue) takeLocked(jobType string, external int) []*entry {
	var batch []*entry
	for capacity := q.capacityLocked(jobType, external); capacity > 0 && len(q.queued[jobType]) > 0; capacity-- {
		e := q.queued[jobType][0]
		q.queued[jobType] = q.queued[jobType][1:]
		q.reserveLocked(e)
		batch = append(batch, e)
	}
	return batch
}

func (q *Queue) reserveLocked(e *entry) {
	e.phase = job.PhaseRunning
	e.since = q.now()
	q.running[e.job.Type()] = append(q.running[e.job.Type()], e)
	q.index[e.job.ID()] = locRunning
}

func (q *Queue) limitLocked(jobType string) int {
	if l, ok := q.config.Limits[jobType]; ok {
		return l
	}
	return q.config.DefaultLimit
}

// capacityLocked returns the number of jobs of jobType that may start now.
func (q *Queue) capacityLocked(jobType string, external int) int {
	limit := q.limitLocked(jobType)
	if limit < 0 {
		return int(^uint(0) >> 1)
	}
	inUse := len(q.running[jobType])
	if external > inUse {
		inUse = external
	}
	return limit - inUse
}

// externalRunning asks the wrapped manager for its running count, or -1.
func (q *Queue) externalRunning(ctx context.Context, jobType string) int {
	if q.counter == nil {
		return -1
	}
	q.mu.Lock()
	limited := q.limitLocked(jobType) >= 0
	q.mu.Unlock()
	if !limited {
		return -1
	}
	n, err := q.counter.CountRunning(ctx, jobType)
	if err != nil {
		slog.Warn("Failed to count running jobs", "type", jobType, "error", err)
		return -1
	}
	return n
}

func (q *Queue) findLocked(m map[string][]*entry, id job.ID) *entry {
	for _, es := range m {
		for _, e := range es {
			if e.job.ID() == id {
				return e
			}
		}
	}
	return nil
}

func (q *Queue) removeLocked(m map[string][]*entry, jobType string, id job.ID) *entry {
	es := m[jobType]
	for i, e := range es {
		if e.job.ID() == id {
			m[jobType] = append(es[:i:i], es[i+1:]...)
			return e
		}
	}
	return nil
}

func toEntries(es []*entry) []Entry {
	out := make([]Entry, 0, len(es))
	for _, e := range es {
		out = append(out, Entry{ID: e.job.ID(), Phase: e.phase, Since: e.since, Output: e.output})
	}
	return out
}
