// ============================================================================
// Depositable - 存檔狀態機驅動的實體
// ============================================================================
//
// Package: internal/deposit
// 文件: depositable.go
//
// 實體:
//   Parent - Observation (observations/<sbid>) 或 Level 7 集合 (level7/<id>)
//   Child  - 某個 Parent 底下的檔案 (<parentUid>/<kind 複數>/<filename>)
//
// 生命週期:
//   建立於 UNDEPOSITED (checkpoint 亦為 UNDEPOSITED，失敗次數 0)
//   由外部輪詢器反覆呼叫 Progress 推進，直到 DEPOSITED
//   進入 FAILED 時失敗次數加一；Recover 只在 FAILED 合法，回到 checkpoint
//
// 並發:
//   單一 Depositable 不支援併發呼叫，呼叫者需序列化同一 Parent 的操作
//
// ============================================================================

package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Depositable is anything with a deposit lifecycle.
type Depositable interface {
	UniqueIdentifier() string
	Kind() types.Kind
	State() State
	StateType() types.StateType
	CheckpointStateType() types.StateType
	FailureCount() int
	LastJobOutput() string

	IsNew() bool
	IsDepositing() bool
	IsDeposited() bool
	IsFailedDeposit() bool

	// Progress attempts one non-blocking step.
	Progress(ctx context.Context) error
	// Recover restores the checkpoint state; legal only in FAILED.
	Recover(ctx context.Context) error
	// Advance moves a tool-advanced state to its declared target.
	Advance(ctx context.Context, target types.StateType) error

	life() *lifecycle
}

// JobID builds the deterministic id of a deposit job.
func JobID(tool, uniqueIdentifier string, failureCount int) job.ID {
	return job.ID(fmt.Sprintf("%s-%s-%d", tool, uniqueIdentifier, failureCount))
}

// ============================================================================
// lifecycle - Parent 與 Child 共用的狀態欄位
// ============================================================================

type lifecycle struct {
	self         Depositable
	factory      *Factory
	state        State
	checkpoint   types.StateType
	failureCount int
	lastOutput   string
	sink         EventSink

	// toolDone 等待工具推進的狀態中已完成的任務；每次狀態變更時清除
	toolDone job.ID
}

func (l *lifecycle) life() *lifecycle { return l }

func (l *lifecycle) State() State                         { return l.state }
func (l *lifecycle) StateType() types.StateType           { return l.state.Type() }
func (l *lifecycle) CheckpointStateType() types.StateType { return l.checkpoint }
func (l *lifecycle) FailureCount() int                    { return l.failureCount }
func (l *lifecycle) LastJobOutput() string                { return l.lastOutput }

func (l *lifecycle) IsNew() bool           { return l.StateType() == types.StateUndeposited }
func (l *lifecycle) IsDeposited() bool     { return l.StateType() == types.StateDeposited }
func (l *lifecycle) IsFailedDeposit() bool { return l.StateType() == types.StateFailed }
func (l *lifecycle) IsDepositing() bool {
	return !l.IsNew() && !l.IsDeposited() && !l.IsFailedDeposit()
}

func (l *lifecycle) Progress(ctx context.Context) error {
	return l.state.Progress(ctx)
}

func (l *lifecycle) Recover(ctx context.Context) error {
	return l.state.Recover(ctx)
}

func (l *lifecycle) Advance(ctx context.Context, target types.StateType) error {
	s, ok := l.state.(*step)
	if !ok || s.advanceTo == "" || s.advanceTo != target {
		return illegal(l.self, "advance to "+string(target))
	}
	return l.transitionTo(target)
}

// transitionTo builds the next state through the factory, assigns it and
// emits the change event.
func (l *lifecycle) transitionTo(t types.StateType) error {
	st, err := l.factory.CreateState(t, l.self)
	if err != nil {
		return err
	}
	l.enter(st)
	return nil
}

func (l *lifecycle) enter(st State) {
	from := types.StateType("")
	if l.state != nil {
		from = l.state.Type()
	}
	if st.Type() == types.StateFailed {
		l.failureCount++
	}
	l.state = st
	if st.IsCheckpoint() {
		l.checkpoint = st.Type()
	}

	l.toolDone = ""

	uid := l.self.UniqueIdentifier()
	if st.Type() == types.StateFailed {
		slog.Warn("Deposit failed", "uid", uid, "from", from, "failureCount", l.failureCount)
	} else {
		slog.Debug("Deposit state changed", "uid", uid, "from", from, "to", st.Type())
	}
	l.sink.Emit(newEvent(l.self, from, st.Type(), l.failureCount))
}

func (l *lifecycle) fail(output string) error {
	l.lastOutput = output
	return l.transitionTo(types.StateFailed)
}

// ============================================================================
// Parent
// ============================================================================

// Parent is an observation or a level 7 collection.
type Parent struct {
	*lifecycle
	kind     types.Kind
	id       string
	children []*Child
}

// NewObservation 建立 observations/<sbid>
func NewObservation(f *Factory, sbid string) (*Parent, error) {
	return newParent(f, types.KindObservation, sbid)
}

// NewLevel7Collection 建立 level7/<collectionID>
func NewLevel7Collection(f *Factory, collectionID string) (*Parent, error) {
	return newParent(f, types.KindLevel7Collection, collectionID)
}

func newParent(f *Factory, kind types.Kind, id string) (*Parent, error) {
	if id == "" {
		return nil, fmt.Errorf("deposit: %s id is empty", kind)
	}
	p := &Parent{kind: kind, id: id}
	p.lifecycle = &lifecycle{self: p, factory: f, checkpoint: types.StateUndeposited, sink: nopSink{}}
	st, err := f.CreateState(types.StateUndeposited, p)
	if err != nil {
		return nil, err
	}
	p.state = st
	return p, nil
}

func (p *Parent) Kind() types.Kind { return p.kind }

// ID returns the sbid or collection id.
func (p *Parent) ID() string { return p.id }

func (p *Parent) UniqueIdentifier() string {
	return p.kind.PathSegment() + "/" + p.id
}

// Children returns the children in insertion order.
func (p *Parent) Children() []*Child {
	out := make([]*Child, len(p.children))
	copy(out, p.children)
	return out
}

// Child 依 uniqueIdentifier 查找
func (p *Parent) Child(uniqueIdentifier string) *Child {
	for _, c := range p.children {
		if c.UniqueIdentifier() == uniqueIdentifier {
			return c
		}
	}
	return nil
}

// SetSink 設定事件接收者，子項一併使用
func (p *Parent) SetSink(sink EventSink) {
	if sink == nil {
		sink = nopSink{}
	}
	p.sink = sink
	for _, c := range p.children {
		c.sink = sink
	}
}

// ChildOption configures a child on creation.
type ChildOption func(*Child)

// WithCatalogueType sets the catalogue type passed to the import tool.
func WithCatalogueType(t string) ChildOption {
	return func(c *Child) { c.catalogueType = t }
}

// WithSourceImage sets the image cube a derived product was made from.
func WithSourceImage(filename string) ChildOption {
	return func(c *Child) { c.sourceImage = filename }
}

// AddChild creates a child in UNDEPOSITED.
func (p *Parent) AddChild(kind types.Kind, filename string, opts ...ChildOption) (*Child, error) {
	if kind.IsParent() {
		return nil, fmt.Errorf("deposit: %s cannot be a child", kind)
	}
	if filename == "" {
		return nil, fmt.Errorf("deposit: %s filename is empty", kind)
	}
	c := &Child{parent: p, kind: kind, filename: filename}
	for _, o := range opts {
		o(c)
	}
	if kind.IsDerivedImage() && c.sourceImage == "" {
		return nil, fmt.Errorf("deposit: %s %s has no source image", kind, filename)
	}
	if p.Child(c.UniqueIdentifier()) != nil {
		return nil, fmt.Errorf("deposit: duplicate child %s", c.UniqueIdentifier())
	}

	c.lifecycle = &lifecycle{self: c, factory: p.factory, checkpoint: types.StateUndeposited, sink: p.sink}
	st, err := p.factory.CreateState(types.StateUndeposited, c)
	if err != nil {
		return nil, err
	}
	c.state = st
	p.children = append(p.children, c)
	return c, nil
}

// ============================================================================
// Child
// ============================================================================

// Child is one archived artefact of a parent.
type Child struct {
	*lifecycle
	parent        *Parent
	kind          types.Kind
	filename      string
	fileSize      int64
	catalogueType string
	sourceImage   string
}

func (c *Child) Kind() types.Kind      { return c.kind }
func (c *Child) Parent() *Parent       { return c.parent }
func (c *Child) Filename() string      { return c.filename }
func (c *Child) FileSize() int64       { return c.fileSize }
func (c *Child) CatalogueType() string { return c.catalogueType }
func (c *Child) SourceImage() string   { return c.sourceImage }

func (c *Child) UniqueIdentifier() string {
	return c.parent.UniqueIdentifier() + "/" + c.kind.PathSegment() + "/" + c.filename
}

// FilePath resolves the artefact's source file: <root>/<parentId>/<filename>
// with unix separators, root chosen by the parent kind.
func (c *Child) FilePath(paths Paths) string {
	return path.Join(paths.rootFor(c.parent.kind), c.parent.id, c.filename)
}
