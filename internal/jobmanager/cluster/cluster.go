// ============================================================================
// Cluster Job Manager - 叢集排程器後端
// ============================================================================
//
// Package: internal/jobmanager/cluster
// File: cluster.go
// Purpose: Runs jobs through an external batch scheduler (SLURM-like) driven by
// four command templates and a status field separator.
//
// Templates:
//   submit         submits the job, stdout's first token is the scheduler job id
//   status         prints one line "<state><sep><exit code>..." for the job
//   count_running  prints one line per queued or running job of a type
//   cancel         cancels the job
//
// Placeholders (substituted per argument, never through a shell):
//   {job_id}        deposit job id
//   {job_type}      tool name
//   {command}       the job's full command line
//   {working_dir}   the job's working directory, or the manager default
//   {scheduler_id}  id returned by submit, falls back to {job_id}
//
// ============================================================================

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/archive-deposit/internal/job"
)

var (
	// ErrEmptyTemplate 未設定所需的命令模板
	ErrEmptyTemplate = errors.New("cluster: command template is empty")
)

// Config 叢集排程器配置
type Config struct {
	SubmitCommand       string
	StatusCommand       string
	CountRunningCommand string
	CancelCommand       string
	StatusSeparator     string // 預設 "|"
	StateField          int    // 狀態欄位索引
	ExitCodeField       int    // 退出碼欄位索引，負數或等於 StateField 表示沒有
	WorkingDir          string
}

// Runner executes one scheduler command and returns its stdout.
type Runner func(ctx context.Context, argv []string) (string, error)

// Manager 以排程器命令實作 jobmanager.Manager
type Manager struct {
	config Config
	run    Runner

	mu      sync.RWMutex
	entries map[job.ID]entry
}

type entry struct {
	schedulerID string
	jobType     string
}

// New 建立叢集管理器；run 為 nil 時以本地程序執行排程器命令
func New(config Config, run Runner) *Manager {
	if config.StatusSeparator == "" {
		config.StatusSeparator = "|"
	}
	if run == nil {
		run = execRunner
	}
	return &Manager{
		config:  config,
		run:     run,
		entries: make(map[job.ID]entry),
	}
}

// StartJob 透過 submit 模板提交任務
func (m *Manager) StartJob(ctx context.Context, j job.Job) error {
	m.mu.RLock()
	_, known := m.entries[j.ID()]
	m.mu.RUnlock()
	if known {
		return nil
	}

	argv, err := m.render(m.config.SubmitCommand, j.ID(), j.Type(), j.CommandLine(), j.WorkingDir())
	if err != nil {
		return err
	}
	out, err := m.run(ctx, argv)
	if err != nil {
		return fmt.Errorf("cluster: submit %s failed: %w", j.ID(), err)
	}

	e := entry{schedulerID: parseSchedulerID(out), jobType: j.Type()}
	m.mu.Lock()
	m.entries[j.ID()] = e
	m.mu.Unlock()

	slog.Info("Cluster job submitted", "jobID", j.ID(), "schedulerID", e.schedulerID)
	return nil
}

// GetJobStatus 透過 status 模板查詢；排程器沒有輸出時回傳 nil
func (m *Manager) GetJobStatus(ctx context.Context, id job.ID) (*job.Status, error) {
	e := m.lookup(id)
	argv, err := m.renderFor(m.config.StatusCommand, id, e)
	if err != nil {
		return nil, err
	}
	out, err := m.run(ctx, argv)
	if err != nil {
		return nil, fmt.Errorf("cluster: status %s failed: %w", id, err)
	}

	line := firstLine(out)
	if line == "" {
		return nil, nil
	}

	fields := strings.Split(line, m.config.StatusSeparator)
	if m.config.StateField >= len(fields) {
		return nil, fmt.Errorf("cluster: status line %q has no field %d", line, m.config.StateField)
	}

	status := &job.Status{
		ID:        id,
		Type:      e.jobType,
		Phase:     MapState(fields[m.config.StateField]),
		Output:    line,
		UpdatedAt: time.Now(),
	}
	if f := m.config.ExitCodeField; f != m.config.StateField && f >= 0 && f < len(fields) {
		status.ExitCode = parseExitCode(fields[f])
	}
	return status, nil
}

// CountRunning 計算 count_running 模板輸出的非空行數
func (m *Manager) CountRunning(ctx context.Context, jobType string) (int, error) {
	argv, err := m.render(m.config.CountRunningCommand, "", jobType, "", m.config.WorkingDir)
	if err != nil {
		return 0, err
	}
	out, err := m.run(ctx, argv)
	if err != nil {
		return 0, fmt.Errorf("cluster: count running %s failed: %w", jobType, err)
	}

	n := 0
	for _, l := range strings.Split(out, "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n, nil
}

// CancelJob 透過 cancel 模板取消任務
func (m *Manager) CancelJob(ctx context.Context, id job.ID) error {
	argv, err := m.renderFor(m.config.CancelCommand, id, m.lookup(id))
	if err != nil {
		return err
	}
	if _, err := m.run(ctx, argv); err != nil {
		return fmt.Errorf("cluster: cancel %s failed: %w", id, err)
	}
	slog.Info("Cluster job cancelled", "jobID", id)
	return nil
}

// ============================================================================
// 狀態碼對應
// ============================================================================

var runningStates = map[string]bool{
	"PENDING": true, "PD": true,
	"RUNNING": true, "R": true,
	"CONFIGURING": true, "CF": true,
	"COMPLETING": true, "CG": true,
	"SUSPENDED": true, "S": true,
	"REQUEUED": true, "RQ": true,
	"RESIZING": true, "RS": true,
}

var finishedStates = map[string]bool{
	"COMPLETED": true, "CD": true,
}

// MapState maps a scheduler state code onto a job phase. Codes that are
// neither running nor completed are treated as failed terminal states.
// Trailing detail such as "CANCELLED by 1001" or "FAILED+" is ignored.
func MapState(code string) job.Phase {
	c := strings.ToUpper(strings.TrimSpace(code))
	if i := strings.IndexAny(c, " +"); i >= 0 {
		c = c[:i]
	}
	switch {
	case runningStates[c]:
		return job.PhaseRunning
	case finishedStates[c]:
		return job.PhaseFinished
	default:
		return job.PhaseFailed
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (m *Manager) lookup(id job.ID) entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

func (m *Manager) renderFor(tmpl string, id job.ID, e entry) ([]string, error) {
	argv, err := m.render(tmpl, id, e.jobType, "", m.config.WorkingDir)
	if err != nil {
		return nil, err
	}
	sid := e.schedulerID
	if sid == "" {
		sid = string(id)
	}
	for i, a := range argv {
		argv[i] = strings.ReplaceAll(a, "{scheduler_id}", sid)
	}
	return argv, nil
}

func (m *Manager) render(tmpl string, id job.ID, jobType, command, dir string) ([]string, error) {
	fields := strings.Fields(tmpl)
	if len(fields) == 0 {
		return nil, ErrEmptyTemplate
	}
	if dir == "" {
		dir = m.config.WorkingDir
	}
	r := strings.NewReplacer(
		"{job_id}", string(id),
		"{job_type}", jobType,
		"{command}", command,
		"{working_dir}", dir,
	)
	argv := make([]string, len(fields))
	for i, f := range fields {
		argv[i] = r.Replace(f)
	}
	return argv, nil
}

// parseSchedulerID takes the first token of submit output, e.g.
// "4242;cluster" from sbatch --parsable or "Submitted batch job 4242".
func parseSchedulerID(out string) string {
	line := firstLine(out)
	if line == "" {
		return ""
	}
	fields := strings.Fields(line)
	token := fields[len(fields)-1]
	if strings.HasPrefix(line, "Submitted") {
		return token
	}
	token = fields[0]
	if i := strings.Index(token, ";"); i >= 0 {
		token = token[:i]
	}
	return token
}

// parseExitCode reads "<code>" or SLURM's "<code>:<signal>".
func parseExitCode(s string) int {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func firstLine(out string) string {
	for _, l := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			return t
		}
	}
	return ""
}

// execRunner runs scheduler commands as local processes.
func execRunner(ctx context.Context, argv []string) (string, error) {
	j := job.NewToolBuilder("", nil).WithPositional(argv[1:]...).CreateJob("scheduler", argv[0])
	res, err := job.Execute(ctx, j)
	if err != nil {
		if res != nil && res.Stderr != "" {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Stderr))
		}
		return "", err
	}
	return res.Stdout, nil
}
