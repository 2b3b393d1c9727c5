// ============================================================================
// Job - 外部執行單元
// ============================================================================
//
// Package: internal/job
// File: job.go
// Purpose: Immutable description of one externally executed unit of work and
// its observable outcome.
//
// A Job is produced by a Builder and handed to a jobmanager.Manager, which
// runs it asynchronously and answers status queries by ID. Job.Run is the
// only blocking entry point and is reserved for short synchronous checks
// such as catalogue validation.
//
// ============================================================================

package job

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// ID aliases the shared job identifier type.
type ID = types.JobID

// Phase 任務的可觀察階段
type Phase string

const (
	PhaseQueued   Phase = "queued"   // accepted, waiting for capacity
	PhaseRunning  Phase = "running"  // started by the backing manager
	PhaseFinished Phase = "finished" // exited successfully
	PhaseFailed   Phase = "failed"   // non-zero exit, start failure, or failed terminal code
)

// Status is what a manager reports for a known job.
type Status struct {
	ID        ID        `json:"id"`
	Type      string    `json:"type"`
	Phase     Phase     `json:"phase"`
	Output    string    `json:"output,omitempty"`
	ExitCode  int       `json:"exit_code"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRunning is true while the job has not reached a terminal phase.
// Queued jobs count as running so callers never resubmit them.
func (s *Status) IsRunning() bool {
	return s.Phase == PhaseQueued || s.Phase == PhaseRunning
}

func (s *Status) IsFailed() bool   { return s.Phase == PhaseFailed }
func (s *Status) IsFinished() bool { return s.Phase == PhaseFinished }

// IsTerminal reports whether the job reached finished or failed.
func (s *Status) IsTerminal() bool {
	return s.IsFailed() || s.IsFinished()
}

// Job 不可變任務描述，由 Builder.CreateJob 產生
type Job struct {
	id      ID
	jobType string
	command string
	args    []string
	dir     string
	env     map[string]string
}

func (j Job) ID() ID             { return j.id }
func (j Job) Type() string       { return j.jobType }
func (j Job) Command() string    { return j.command }
func (j Job) WorkingDir() string { return j.dir }

// Args returns a copy of the argument vector.
func (j Job) Args() []string {
	out := make([]string, len(j.args))
	copy(out, j.args)
	return out
}

// Env returns a copy of the process parameter map.
func (j Job) Env() map[string]string {
	out := make(map[string]string, len(j.env))
	for k, v := range j.env {
		out[k] = v
	}
	return out
}

// CommandLine renders the command and arguments as one shell-safe string.
// Used by scheduler templates that take the command as a single token.
func (j Job) CommandLine() string {
	parts := make([]string, 0, len(j.args)+1)
	parts = append(parts, shellQuote(j.command))
	for _, a := range j.args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ============================================================================
// 同步執行
// ============================================================================

// Monitor receives the lifecycle of a synchronous Run.
type Monitor interface {
	JobStarted(j Job)
	JobSucceeded(j Job, output string)
	JobFailed(j Job, output string, err error)
}

// Run executes the job inline, blocking until the process exits or ctx is done.
// The returned error mirrors the failure reported to m.
func (j Job) Run(ctx context.Context, m Monitor) error {
	if m == nil {
		m = NopMonitor{}
	}
	m.JobStarted(j)

	res, err := Execute(ctx, j)
	output := ""
	if res != nil {
		output = res.Combined
	}
	if err != nil {
		m.JobFailed(j, output, err)
		return err
	}
	m.JobSucceeded(j, output)
	return nil
}

// NopMonitor ignores every notification.
type NopMonitor struct{}

func (NopMonitor) JobStarted(Job)               {}
func (NopMonitor) JobSucceeded(Job, string)     {}
func (NopMonitor) JobFailed(Job, string, error) {}

// RecordingMonitor keeps the outcome of the last Run.
type RecordingMonitor struct {
	Started bool
	Success bool
	Output  string
	Err     error
}

func (m *RecordingMonitor) JobStarted(Job) { m.Started = true }

func (m *RecordingMonitor) JobSucceeded(_ Job, output string) {
	m.Success = true
	m.Output = output
}

func (m *RecordingMonitor) JobFailed(_ Job, output string, err error) {
	m.Success = false
	m.Output = output
	m.Err = err
}

// validationErrorPattern matches the structured error lines printed by
// tools running in validation mode.
var validationErrorPattern = regexp.MustCompile(`(?m)^Error in .*:.*$`)

// ValidationErrors extracts structured error lines from tool output.
func ValidationErrors(output string) []string {
	matches := validationErrorPattern.FindAllString(output, -1)
	for i, m := range matches {
		matches[i] = strings.TrimRight(m, "\r")
	}
	return matches
}
