package deposit

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// State is the current deposit status of one depositable.
type State interface {
	Type() types.StateType
	// Progress attempts exactly one non-blocking step.
	Progress(ctx context.Context) error
	// Recover is legal only in FAILED.
	Recover(ctx context.Context) error
	// IsCheckpoint reports whether the state is a safe rollback target.
	IsCheckpoint() bool
}

// step is the single State implementation; per (kind, state) behaviour is
// supplied by the factory tables as closures.
type step struct {
	stateType  types.StateType
	checkpoint bool
	advanceTo  types.StateType // target of a tool-advanced state

	progress func(ctx context.Context) error
	recover  func(ctx context.Context) error
	// cleanup undoes partial external effects before the state is restored
	// by a recovery.
	cleanup func(ctx context.Context) error
}

func (s *step) Type() types.StateType { return s.stateType }
func (s *step) IsCheckpoint() bool    { return s.checkpoint }

func (s *step) Progress(ctx context.Context) error {
	if s.progress == nil {
		return nil
	}
	return s.progress(ctx)
}

func (s *step) Recover(ctx context.Context) error {
	return s.recover(ctx)
}

// AwaitsAdvance returns the target of a tool-advanced state, or "".
func AwaitsAdvance(s State) types.StateType {
	if st, ok := s.(*step); ok {
		return st.advanceTo
	}
	return ""
}

// ============================================================================
// poll/submit
// ============================================================================

// pollSubmit runs the poll/submit pattern for one job:
//
//	unknown   → submit, no transition
//	running   → no transition
//	failed    → FAILED
//	finished  → next, or nothing for tool-advanced steps and an empty next
//
// JobManager errors are transient and leave the state unchanged. Once the
// job of a tool-advanced step has finished it is not polled again, so a
// backend that forgets finished jobs (Kubernetes TTL) cannot trigger a rerun
// while the state waits for Advance.
func (f *Factory) pollSubmit(ctx context.Context, l *lifecycle, j job.Job, next types.StateType, toolAdvanced bool) error {
	uid := l.self.UniqueIdentifier()
	waitsForTool := toolAdvanced && !f.autoAdvance
	if waitsForTool && l.toolDone == j.ID() {
		return nil
	}

	status, err := f.jobs.GetJobStatus(ctx, j.ID())
	if err != nil {
		slog.Warn("Failed to query job status", "uid", uid, "jobID", j.ID(), "error", err)
		return nil
	}

	switch {
	case status == nil:
		if err := f.jobs.StartJob(ctx, j); err != nil {
			slog.Warn("Failed to start job", "uid", uid, "jobID", j.ID(), "error", err)
			return nil
		}
		slog.Info("Job submitted", "uid", uid, "jobID", j.ID())
		return nil
	case status.IsFailed():
		slog.Warn("Job failed", "uid", uid, "jobID", j.ID(), "exitCode", status.ExitCode)
		return l.fail(status.Output)
	case status.IsFinished():
		l.lastOutput = status.Output
		if waitsForTool {
			l.toolDone = j.ID()
			return nil
		}
		if next == "" {
			return nil
		}
		return l.transitionTo(next)
	default:
		return nil
	}
}
