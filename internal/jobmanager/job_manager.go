// ============================================================================
// 任務管理器 - 外部任務的啟動與狀態查詢
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 接受 Job、啟動並回答以 ID 為鍵的狀態查詢
//
// 實作:
//   - Local:  透過 worker.Pool 非同步執行本地 OS 程序
//   - Inline: 在 StartJob 內同步執行（開發/測試用）
//   - cluster 子套件: 以命令模板驅動的叢集排程器
//   - kube 子套件:    Kubernetes batch/v1 Job
//
// 狀態語意:
//   GetJobStatus 回傳 nil 表示該 ID 從未提交或已過期，呼叫者應重新提交。
//   Local 只保留最近 HistorySize 個已結束任務。
//   StartJob 對同一 ID 是冪等的：已知的任務不會再啟動一次。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護狀態表
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/internal/worker"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrManagerStopped 管理器已停止
	ErrManagerStopped = errors.New("job manager stopped")
)

// ============================================================================
// 介面定義
// ============================================================================

// Manager starts jobs and reports their status by ID.
type Manager interface {
	// StartJob hands the job to the backend without waiting for it to finish.
	StartJob(ctx context.Context, j job.Job) error
	// GetJobStatus returns nil, nil for an unknown job.
	GetJobStatus(ctx context.Context, id job.ID) (*job.Status, error)
}

// Canceller is implemented by managers that can stop a running job.
type Canceller interface {
	CancelJob(ctx context.Context, id job.ID) error
}

// RunningCounter 由能回報外部執行中數量的管理器實作（節流佇列使用）
type RunningCounter interface {
	CountRunning(ctx context.Context, jobType string) (int, error)
}

// ============================================================================
// Local
// ============================================================================

// LocalConfig Local 管理器配置
type LocalConfig struct {
	WorkerCount int             // 同時執行的程序數
	BufferSize  int             // 任務通道緩衝大小
	TaskTimeout time.Duration   // 單一程序超時，0 表示不限
	HistorySize int             // 保留的已結束任務數，超出時最舊的被遺忘
	Executor    worker.Executor // nil 時使用 job.Execute
}

// Local runs jobs as local OS processes on a worker pool.
type Local struct {
	mu       sync.RWMutex
	jobs     map[job.ID]*job.Status
	finished []job.ID // 結束順序，用於修剪 jobs
	pool     *worker.Pool
	config   LocalConfig
	wg       sync.WaitGroup
}

// NewLocal 建立 Local 管理器，需呼叫 Start 後才可提交任務
func NewLocal(config LocalConfig) *Local {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}
	return &Local{
		jobs:   make(map[job.ID]*job.Status),
		pool:   worker.NewPool(config.BufferSize, config.Executor),
		config: config,
	}
}

// Start 啟動 Worker Pool 與結果循環
func (m *Local) Start() error {
	if err := m.pool.Start(m.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	m.wg.Add(1)
	go m.resultLoop()
	slog.Info("Local job manager started", "workers", m.config.WorkerCount)
	return nil
}

// StartJob 提交任務；已知 ID 直接返回
func (m *Local) StartJob(ctx context.Context, j job.Job) error {
	m.mu.Lock()
	if _, exists := m.jobs[j.ID()]; exists {
		m.mu.Unlock()
		return nil
	}
	m.jobs[j.ID()] = &job.Status{
		ID:        j.ID(),
		Type:      j.Type(),
		Phase:     job.PhaseRunning,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	err := m.pool.Submit(worker.Task{ID: j.ID(), Job: j, Timeout: m.config.TaskTimeout})
	if err != nil {
		m.finish(j.ID(), job.PhaseFailed, err.Error(), -1)
		if errors.Is(err, worker.ErrPoolClosed) || errors.Is(err, worker.ErrPoolNotStarted) {
			return fmt.Errorf("%w: %v", ErrManagerStopped, err)
		}
		return fmt.Errorf("failed to submit job %s: %w", j.ID(), err)
	}

	slog.Debug("Job started", "jobID", j.ID(), "type", j.Type())
	return nil
}

// GetJobStatus 回傳狀態副本，未知任務回傳 nil
func (m *Local) GetJobStatus(ctx context.Context, id job.ID) (*job.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// CountRunning 計算指定類型中尚未結束的任務數
func (m *Local) CountRunning(ctx context.Context, jobType string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.jobs {
		if s.Type == jobType && s.IsRunning() {
			n++
		}
	}
	return n, nil
}

// Stats 回傳各階段任務數量
func (m *Local) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		string(job.PhaseRunning):  0,
		string(job.PhaseFinished): 0,
		string(job.PhaseFailed):   0,
	}
	for _, s := range m.jobs {
		stats[string(s.Phase)]++
	}
	return stats
}

// Stop 停止 Worker Pool 並等待結果循環退出
func (m *Local) Stop() {
	m.pool.Stop()
	m.wg.Wait()
	slog.Info("Local job manager stopped")
}

func (m *Local) resultLoop() {
	defer m.wg.Done()
	for {
		result, err := m.pool.ReceiveResult()
		if err != nil {
			return
		}

		if result.Success {
			m.finish(result.JobID, job.PhaseFinished, result.Output, result.ExitCode)
			slog.Debug("Job finished", "jobID", result.JobID, "duration", result.Duration)
			continue
		}

		output := result.Output
		if output == "" && result.Error != nil {
			output = result.Error.Error()
		}
		m.finish(result.JobID, job.PhaseFailed, output, result.ExitCode)
		slog.Warn("Job failed", "jobID", result.JobID, "exitCode", result.ExitCode, "error", result.Error)
	}
}

func (m *Local) finish(id job.ID, phase job.Phase, output string, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.jobs[id]
	if !ok || s.IsTerminal() {
		return
	}
	s.Phase = phase
	s.Output = output
	s.ExitCode = exitCode
	s.UpdatedAt = time.Now()

	m.finished = append(m.finished, id)
	if over := len(m.finished) - m.config.HistorySize; over > 0 {
		for _, old := range m.finished[:over] {
			delete(m.jobs, old)
		}
		m.finished = append(m.finished[:0:0], m.finished[over:]...)
		slog.Debug("Pruned finished jobs", "count", over)
	}
}

// ============================================================================
// Inline
// ============================================================================

// Inline runs each job to completion inside StartJob.
type Inline struct {
	mu      sync.RWMutex
	jobs    map[job.ID]*job.Status
	execute worker.Executor
}

// NewInline 建立同步管理器；execute 為 nil 時使用 job.Execute
func NewInline(execute worker.Executor) *Inline {
	if execute == nil {
		execute = job.Execute
	}
	return &Inline{
		jobs:    make(map[job.ID]*job.Status),
		execute: execute,
	}
}

func (m *Inline) StartJob(ctx context.Context, j job.Job) error {
	m.mu.RLock()
	_, exists := m.jobs[j.ID()]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	res, err := m.execute(ctx, j)
	s := &job.Status{ID: j.ID(), Type: j.Type(), Phase: job.PhaseFinished, UpdatedAt: time.Now()}
	if res != nil {
		s.Output = res.Combined
		s.ExitCode = res.ExitCode
	}
	if err != nil {
		s.Phase = job.PhaseFailed
		if s.Output == "" {
			s.Output = err.Error()
		}
		slog.Warn("Inline job failed", "jobID", j.ID(), "error", err)
	}

	m.mu.Lock()
	m.jobs[j.ID()] = s
	m.mu.Unlock()
	return nil
}

func (m *Inline) GetJobStatus(ctx context.Context, id job.ID) (*job.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}
