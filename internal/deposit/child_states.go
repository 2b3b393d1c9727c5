package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/ChuLiYu/archive-deposit/internal/archive"
	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// ============================================================================
// PROCESSING / ENCAPSULATING
// ============================================================================

func (f *Factory) catalogueProcessing(c *Child) *step {
	return &step{
		stateType:  types.StateProcessing,
		checkpoint: true,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			return f.pollSubmit(ctx, c.lifecycle, f.CatalogueJob(c, false), types.StateProcessed, false)
		},
	}
}

// CatalogueJob builds the catalogue import job. With validateOnly the tool
// only checks the file and reports "Error in ..." lines.
func (f *Factory) CatalogueJob(c *Child, validateOnly bool) job.Job {
	b := f.builder.
		WithArg("catalogue-type", c.catalogueType).
		WithArg("parent-id", c.parent.id).
		WithArg("catalogue-filename", c.filename).
		WithArg("infile", c.FilePath(f.paths))
	id := JobID(ToolCatalogueImport, c.UniqueIdentifier(), c.failureCount)
	if validateOnly {
		b = b.WithFlag("validate-only")
		id = JobID(ToolCatalogueImport+"_validate", c.UniqueIdentifier(), c.failureCount)
	}
	return b.CreateJob(id, ToolCatalogueImport)
}

func (f *Factory) validationMetricProcessing(c *Child) *step {
	return &step{
		stateType:  types.StateProcessing,
		checkpoint: true,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			j := f.builder.
				WithArg("parent-id", c.parent.id).
				WithArg("metric-filename", c.filename).
				WithArg("infile", c.FilePath(f.paths)).
				CreateJob(JobID(ToolValidationMetricImport, c.UniqueIdentifier(), c.failureCount), ToolValidationMetricImport)
			return f.pollSubmit(ctx, c.lifecycle, j, types.StateProcessed, false)
		},
	}
}

// fitsProcessing runs the FITS import, which advances the artefact itself.
// Derived products share one job per (parent, kind, source image).
func (f *Factory) fitsProcessing(c *Child) *step {
	return &step{
		stateType:  types.StateProcessing,
		checkpoint: true,
		advanceTo:  types.StateProcessed,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			return f.pollSubmit(ctx, c.lifecycle, f.FitsJob(c), types.StateProcessed, true)
		},
	}
}

// FitsJob builds the FITS import job of an image product.
func (f *Factory) FitsJob(c *Child) job.Job {
	b := f.builder.
		WithArg("parent-id", c.parent.id).
		WithArg("fits-type", string(c.kind))

	if !c.kind.IsDerivedImage() {
		return b.
			WithArg("fits-filename", c.filename).
			WithArg("infile", c.FilePath(f.paths)).
			CreateJob(JobID(ToolFitsImport, c.UniqueIdentifier(), c.failureCount), ToolFitsImport)
	}

	source := path.Join(f.paths.rootFor(c.parent.kind), c.parent.id, c.sourceImage)
	shared := c.parent.UniqueIdentifier() + "/" + c.kind.PathSegment() + "/" + c.sourceImage
	return b.
		WithArg("source-image", c.sourceImage).
		WithArg("infile", source).
		CreateJob(JobID(ToolFitsImport, shared, c.failureCount), ToolFitsImport)
}

// fileSizeProcessing computes the file size in process.
func (f *Factory) fileSizeProcessing(c *Child) *step {
	return &step{
		stateType:  types.StateProcessing,
		checkpoint: true,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			fi, err := os.Stat(filepath.FromSlash(c.FilePath(f.paths)))
			if err != nil {
				return c.fail(err.Error())
			}
			if fi.IsDir() {
				return c.fail(fmt.Sprintf("%s is a directory", c.FilePath(f.paths)))
			}
			c.fileSize = fi.Size()
			return c.transitionTo(types.StateProcessed)
		},
	}
}

func (f *Factory) encapsulating(c *Child) *step {
	return &step{
		stateType:  types.StateEncapsulating,
		checkpoint: true,
		advanceTo:  types.StateEncapsulated,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			j := f.builder.
				WithArg("parent-id", c.parent.id).
				WithArg("encapsulation-filename", c.filename).
				WithArg("infile", c.FilePath(f.paths)).
				CreateJob(JobID(ToolEncapsulate, c.UniqueIdentifier(), c.failureCount), ToolEncapsulate)
			return f.pollSubmit(ctx, c.lifecycle, j, types.StateEncapsulated, true)
		},
	}
}

// ============================================================================
// STAGING / REGISTERING
// ============================================================================

func (f *Factory) artefactJob(c *Child, tool string) job.Job {
	return f.builder.
		WithArg("parent-id", c.parent.id).
		WithArg("artefact-id", c.UniqueIdentifier()).
		WithArg("infile", c.FilePath(f.paths)).
		WithArg("volume", f.volumes.For(c.kind)).
		CreateJob(JobID(tool, c.UniqueIdentifier(), c.failureCount), tool)
}

func (f *Factory) staging(c *Child) *step {
	return &step{
		stateType:  types.StateStaging,
		checkpoint: true,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			return f.pollSubmit(ctx, c.lifecycle, f.artefactJob(c, ToolStage), types.StateStaged, false)
		},
		cleanup: func(context.Context) error {
			p := f.StagedCopy(c)
			if p == "" {
				return nil
			}
			slog.Info("Removing partial staged copy", "uid", c.UniqueIdentifier(), "path", p)
			return os.RemoveAll(p)
		},
	}
}

// StagedCopy is where the staging tool leaves its copy of the artefact,
// or "" when no staging directory is configured.
func (f *Factory) StagedCopy(c *Child) string {
	if f.paths.StagingDir == "" {
		return ""
	}
	return filepath.Join(f.paths.StagingDir, filepath.FromSlash(c.UniqueIdentifier()))
}

func (f *Factory) registering(c *Child) *step {
	return &step{
		stateType: types.StateRegistering,
		recover:   illegalRecover(c),
		progress: func(ctx context.Context) error {
			return f.pollSubmit(ctx, c.lifecycle, f.artefactJob(c, ToolRegister), types.StateRegistered, false)
		},
	}
}

// ============================================================================
// ARCHIVING / MAPPING
// ============================================================================

func (f *Factory) archiving(c *Child) *step {
	return &step{
		stateType:  types.StateArchiving,
		checkpoint: true,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			if f.archive == nil {
				return c.transitionTo(types.StateArchived)
			}
			uid := c.UniqueIdentifier()
			st, err := f.archive.Status(ctx, uid)
			if err != nil {
				slog.Warn("Archive status service unreachable", "uid", uid, "error", err)
				return nil
			}

			switch archive.ActionFor(st.Status) {
			case archive.ActionArchived:
				return c.transitionTo(types.StateArchived)
			case archive.ActionRequestDualState:
				j := f.builder.
					WithArg("artefact-id", uid).
					WithArg("mount-point", st.MountPoint).
					WithArg("filename", st.Filename).
					CreateJob(JobID(ToolRequestDualState, uid, c.failureCount), ToolRequestDualState)
				return f.pollSubmit(ctx, c.lifecycle, j, "", false)
			default:
				slog.Debug("Waiting for archive", "uid", uid, "status", st.Status)
				return nil
			}
		},
	}
}

func (f *Factory) mapping(c *Child) *step {
	return &step{
		stateType:  types.StateMapping,
		checkpoint: true,
		recover:    illegalRecover(c),
		progress: func(ctx context.Context) error {
			j := f.builder.
				WithArg("parent-id", c.parent.id).
				WithArg("artefact-id", c.UniqueIdentifier()).
				WithArg("infile", c.FilePath(f.paths)).
				CreateJob(JobID(ToolCoverageMap, c.UniqueIdentifier(), c.failureCount), ToolCoverageMap)
			return f.pollSubmit(ctx, c.lifecycle, j, types.StateMapped, false)
		},
	}
}
