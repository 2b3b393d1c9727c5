package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// parentDepositing progresses every non-terminal child in scope, then
// aggregates: any failed → FAILED, all deposited → next, else stay.
func (f *Factory) parentDepositing(p *Parent, t, next types.StateType, priorityOnly bool) *step {
	return &step{
		stateType:  t,
		checkpoint: true,
		recover:    illegalRecover(p),
		progress: func(ctx context.Context) error {
			var scope []*Child
			for _, c := range p.children {
				if !priorityOnly || c.kind.IsPriority() {
					scope = append(scope, c)
				}
			}

			for _, c := range scope {
				if c.IsDeposited() || c.IsFailedDeposit() {
					continue
				}
				if err := c.Progress(ctx); err != nil {
					return fmt.Errorf("deposit: progress %s: %w", c.UniqueIdentifier(), err)
				}
			}

			deposited := 0
			for _, c := range scope {
				switch {
				case c.IsFailedDeposit():
					return p.fail(fmt.Sprintf("child %s failed", c.UniqueIdentifier()))
				case c.IsDeposited():
					deposited++
				}
			}
			if deposited == len(scope) {
				return p.transitionTo(next)
			}
			return nil
		},
	}
}

func (f *Factory) notifying(p *Parent) *step {
	return &step{
		stateType:  types.StateNotifying,
		checkpoint: true,
		recover:    illegalRecover(p),
		progress: func(ctx context.Context) error {
			j := f.builder.
				WithArg("parent-id", p.id).
				CreateJob(JobID(ToolNotifyReady, p.UniqueIdentifier(), p.failureCount), ToolNotifyReady)
			return f.pollSubmit(ctx, p.lifecycle, j, types.StateDeposited, false)
		},
	}
}

// cleanup resets every indexing service, then removes the collection's
// working directory. Any error fails the collection.
func (f *Factory) cleanup(p *Parent) *step {
	return &step{
		stateType:  types.StateCleanup,
		checkpoint: true,
		recover:    illegalRecover(p),
		progress: func(ctx context.Context) error {
			for _, r := range f.indexers {
				if err := r.Reset(ctx, p.id); err != nil {
					slog.Warn("Failed to reset indexing service", "uid", p.UniqueIdentifier(), "service", r.Name(), "error", err)
					return p.fail(err.Error())
				}
			}
			if dir := f.WorkingDir(p); dir != "" {
				if err := os.RemoveAll(dir); err != nil {
					return p.fail(err.Error())
				}
			}
			return p.transitionTo(types.StateDeposited)
		},
	}
}

// WorkingDir is the directory holding a parent's files, or "" when the
// root for its kind is not configured.
func (f *Factory) WorkingDir(p *Parent) string {
	root := f.paths.rootFor(p.kind)
	if root == "" {
		return ""
	}
	return filepath.FromSlash(path.Join(root, p.id))
}
