// ============================================================================
// Factory - (kind, state) → State 的表格式分派
// ============================================================================
//
// Package: internal/deposit
// 文件: factory.go
//
// CreateState 先依 Kind().IsParent() 選擇 parent 或 child 表，再依
// StateType 查出建構函式。表中沒有的組合回傳 *UnsupportedStateError
// (包裝 ErrIllegalEvent)，屬於設定錯誤，不可重試。
//
// ============================================================================

package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/archive-deposit/internal/archive"
	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Tool names, which are also the job types seen by the throttle.
const (
	ToolCatalogueImport        = "catalogue_import"
	ToolFitsImport             = "fits_import"
	ToolValidationMetricImport = "validation_metric_import"
	ToolEncapsulate            = "encapsulate"
	ToolStage                  = "stage_artefact"
	ToolRegister               = "register_artefact"
	ToolRequestDualState       = "request_dual_state"
	ToolCoverageMap            = "coverage_map"
	ToolNotifyReady            = "notify_ready"
)

// Tools lists every tool name.
func Tools() []string {
	return []string{
		ToolCatalogueImport, ToolFitsImport, ToolValidationMetricImport, ToolEncapsulate,
		ToolStage, ToolRegister, ToolRequestDualState, ToolCoverageMap, ToolNotifyReady,
	}
}

// ArchiveStatus answers archive status queries.
type ArchiveStatus interface {
	Status(ctx context.Context, uniqueIdentifier string) (*archive.Status, error)
}

// IndexResetter resets one downstream indexing service.
type IndexResetter interface {
	Name() string
	Reset(ctx context.Context, collectionID string) error
}

// Paths 檔案路徑配置，啟動後唯讀
type Paths struct {
	ObservationRoot string
	Level7Root      string
	StagingDir      string // 部分暫存副本所在位置，空字串表示不清理
}

func (p Paths) rootFor(parent types.Kind) string {
	if parent == types.KindLevel7Collection {
		return p.Level7Root
	}
	return p.ObservationRoot
}

// Volumes is an immutable kind → storage volume mapping.
type Volumes struct {
	m map[types.Kind]string
}

// NewVolumes copies m.
func NewVolumes(m map[types.Kind]string) Volumes {
	cp := make(map[types.Kind]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Volumes{m: cp}
}

// For 回傳 kind 對應的 volume，未設定時為空字串
func (v Volumes) For(k types.Kind) string { return v.m[k] }

// Map returns a copy of the mapping.
func (v Volumes) Map() map[types.Kind]string {
	cp := make(map[types.Kind]string, len(v.m))
	for k, val := range v.m {
		cp[k] = val
	}
	return cp
}

// FactoryConfig 狀態工廠的協作者
type FactoryConfig struct {
	Jobs     jobmanager.Manager
	Builder  job.Builder
	Paths    Paths
	Volumes  Volumes
	Archive  ArchiveStatus   // nil: ARCHIVING completes without an archive check
	Indexers []IndexResetter // reset during CLEANUP
	// AutoAdvance lets tool-advanced states move on when their job finishes
	// instead of waiting for Advance.
	AutoAdvance bool
}

// Factory builds State values for depositables.
type Factory struct {
	jobs        jobmanager.Manager
	builder     job.Builder
	paths       Paths
	volumes     Volumes
	archive     ArchiveStatus
	indexers    []IndexResetter
	autoAdvance bool

	parents map[types.Kind]map[types.StateType]parentCtor
	childs  map[types.Kind]map[types.StateType]childCtor
}

type (
	parentCtor func(f *Factory, p *Parent) *step
	childCtor  func(f *Factory, c *Child) *step
)

// NewFactory 建立工廠
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("deposit: factory needs a job manager")
	}
	f := &Factory{
		jobs:        cfg.Jobs,
		builder:     cfg.Builder,
		paths:       cfg.Paths,
		volumes:     NewVolumes(cfg.Volumes.m),
		archive:     cfg.Archive,
		indexers:    append([]IndexResetter(nil), cfg.Indexers...),
		autoAdvance: cfg.AutoAdvance,
		parents:     parentTable(),
		childs:      childTable(),
	}
	return f, nil
}

// Paths returns the path configuration.
func (f *Factory) Paths() Paths { return f.paths }

// Jobs returns the job manager states submit to.
func (f *Factory) Jobs() jobmanager.Manager { return f.jobs }

// CreateState builds the state t for d.
func (f *Factory) CreateState(t types.StateType, d Depositable) (State, error) {
	if d.Kind().IsParent() {
		p, ok := d.(*Parent)
		if !ok {
			return nil, &UnsupportedStateError{Kind: d.Kind(), State: t}
		}
		ctor, ok := f.parents[p.kind][t]
		if !ok {
			return nil, &UnsupportedStateError{Kind: p.kind, State: t}
		}
		return ctor(f, p), nil
	}

	c, ok := d.(*Child)
	if !ok {
		return nil, &UnsupportedStateError{Kind: d.Kind(), State: t}
	}
	ctor, ok := f.childs[c.kind][t]
	if !ok {
		return nil, &UnsupportedStateError{Kind: c.kind, State: t}
	}
	return ctor(f, c), nil
}

// Supports reports whether the factory has a state t for kind.
func (f *Factory) Supports(kind types.Kind, t types.StateType) bool {
	if kind.IsParent() {
		_, ok := f.parents[kind][t]
		return ok
	}
	_, ok := f.childs[kind][t]
	return ok
}

// ============================================================================
// 流程表
// ============================================================================

func childTable() map[types.Kind]map[types.StateType]childCtor {
	table := make(map[types.Kind]map[types.StateType]childCtor)

	for _, k := range types.Kinds() {
		if k.IsParent() {
			continue
		}
		flow := map[types.StateType]childCtor{
			types.StateStaging:     (*Factory).staging,
			types.StateStaged:      immediateChild(types.StateStaged, types.StateRegistering),
			types.StateRegistering: (*Factory).registering,
			types.StateRegistered:  immediateChild(types.StateRegistered, types.StateArchiving),
			types.StateArchiving:   (*Factory).archiving,
			types.StateDeposited:   func(f *Factory, c *Child) *step { return f.deposited(c) },
			types.StateFailed:      func(f *Factory, c *Child) *step { return f.failed(c) },
		}

		switch {
		case k == types.KindEncapsulationFile:
			flow[types.StateUndeposited] = undepositedChild(types.StateEncapsulating)
			flow[types.StateEncapsulating] = (*Factory).encapsulating
			flow[types.StateEncapsulated] = immediateChild(types.StateEncapsulated, types.StateStaging)
		default:
			flow[types.StateUndeposited] = undepositedChild(types.StateProcessing)
			flow[types.StateProcessed] = immediateChild(types.StateProcessed, types.StateStaging)
		}

		switch k {
		case types.KindCatalogue:
			flow[types.StateProcessing] = (*Factory).catalogueProcessing
		case types.KindValidationMetric:
			flow[types.StateProcessing] = (*Factory).validationMetricProcessing
		case types.KindMeasurementSet, types.KindEvaluationFile:
			flow[types.StateProcessing] = (*Factory).fileSizeProcessing
		case types.KindImageCube, types.KindSpectrum, types.KindMomentMap, types.KindCubelet:
			flow[types.StateProcessing] = (*Factory).fitsProcessing
		}

		if k == types.KindImageCube {
			flow[types.StateArchived] = immediateChild(types.StateArchived, types.StateMapping)
			flow[types.StateMapping] = (*Factory).mapping
			flow[types.StateMapped] = immediateChild(types.StateMapped, types.StateDeposited)
		} else {
			flow[types.StateArchived] = immediateChild(types.StateArchived, types.StateDeposited)
		}

		table[k] = flow
	}
	return table
}

func parentTable() map[types.Kind]map[types.StateType]parentCtor {
	common := func() map[types.StateType]parentCtor {
		return map[types.StateType]parentCtor{
			types.StateDeposited: func(f *Factory, p *Parent) *step { return f.deposited(p) },
			types.StateFailed:    func(f *Factory, p *Parent) *step { return f.failed(p) },
		}
	}

	obs := common()
	obs[types.StateUndeposited] = undepositedParent(types.StatePriorityDepositing)
	obs[types.StatePriorityDepositing] = func(f *Factory, p *Parent) *step {
		return f.parentDepositing(p, types.StatePriorityDepositing, types.StateDepositing, true)
	}
	obs[types.StateDepositing] = func(f *Factory, p *Parent) *step {
		return f.parentDepositing(p, types.StateDepositing, types.StateNotifying, false)
	}
	obs[types.StateNotifying] = (*Factory).notifying

	l7 := common()
	l7[types.StateUndeposited] = undepositedParent(types.StateDepositing)
	l7[types.StateDepositing] = func(f *Factory, p *Parent) *step {
		return f.parentDepositing(p, types.StateDepositing, types.StateCleanup, false)
	}
	l7[types.StateCleanup] = (*Factory).cleanup

	return map[types.Kind]map[types.StateType]parentCtor{
		types.KindObservation:      obs,
		types.KindLevel7Collection: l7,
	}
}

// ============================================================================
// 共用狀態
// ============================================================================

func undepositedChild(first types.StateType) childCtor {
	return func(f *Factory, c *Child) *step {
		return &step{
			stateType: types.StateUndeposited,
			progress:  func(context.Context) error { return c.transitionTo(first) },
			recover:   illegalRecover(c),
		}
	}
}

func undepositedParent(first types.StateType) parentCtor {
	return func(f *Factory, p *Parent) *step {
		return &step{
			stateType: types.StateUndeposited,
			progress:  func(context.Context) error { return p.transitionTo(first) },
			recover:   illegalRecover(p),
		}
	}
}

func immediateChild(t, next types.StateType) childCtor {
	return func(f *Factory, c *Child) *step {
		return &step{
			stateType: t,
			progress:  func(context.Context) error { return c.transitionTo(next) },
			recover:   illegalRecover(c),
		}
	}
}

func (f *Factory) deposited(d Depositable) *step {
	return &step{
		stateType: types.StateDeposited,
		progress:  func(context.Context) error { return illegal(d, "progress") },
		recover:   illegalRecover(d),
	}
}

// failed: progress is a no-op, recover restores the checkpoint after its
// cleanup and, for parents, recovers every failed child.
func (f *Factory) failed(d Depositable) *step {
	l := d.life()
	return &step{
		stateType: types.StateFailed,
		recover: func(ctx context.Context) error {
			target := l.checkpoint
			st, err := f.CreateState(target, d)
			if err != nil {
				return err
			}
			if s, ok := st.(*step); ok && s.cleanup != nil {
				if err := s.cleanup(ctx); err != nil {
					return fmt.Errorf("deposit: cleanup before restoring %s of %s: %w", target, d.UniqueIdentifier(), err)
				}
			}
			slog.Info("Deposit recovered", "uid", d.UniqueIdentifier(), "to", target, "failureCount", l.failureCount)
			l.enter(st)

			if p, ok := d.(*Parent); ok {
				for _, c := range p.children {
					if !c.IsFailedDeposit() {
						continue
					}
					if err := c.Recover(ctx); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func illegalRecover(d Depositable) func(context.Context) error {
	return func(context.Context) error { return illegal(d, "recover") }
}
