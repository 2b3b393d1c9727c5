package deposit

import (
	"fmt"

	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Record is the persisted form of a parent and its children.
type Record struct {
	Kind         types.Kind      `json:"kind" yaml:"kind"`
	ID           string          `json:"id" yaml:"id"`
	State        types.StateType `json:"state,omitempty" yaml:"state,omitempty"`
	Checkpoint   types.StateType `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	FailureCount int             `json:"failureCount,omitempty" yaml:"failure_count,omitempty"`
	LastOutput   string          `json:"lastOutput,omitempty" yaml:"-"`
	ToolDone     types.JobID     `json:"toolDone,omitempty" yaml:"-"`
	Children     []ChildRecord   `json:"children,omitempty" yaml:"children,omitempty"`
}

// ChildRecord is the persisted form of a child.
type ChildRecord struct {
	Kind          types.Kind      `json:"kind" yaml:"kind"`
	Filename      string          `json:"filename" yaml:"filename"`
	CatalogueType string          `json:"catalogueType,omitempty" yaml:"catalogue_type,omitempty"`
	SourceImage   string          `json:"sourceImage,omitempty" yaml:"source_image,omitempty"`
	FileSize      int64           `json:"fileSize,omitempty" yaml:"-"`
	State         types.StateType `json:"state,omitempty" yaml:"state,omitempty"`
	Checkpoint    types.StateType `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	FailureCount  int             `json:"failureCount,omitempty" yaml:"failure_count,omitempty"`
	LastOutput    string          `json:"lastOutput,omitempty" yaml:"-"`
	ToolDone      types.JobID     `json:"toolDone,omitempty" yaml:"-"`
}

// UniqueIdentifier of the recorded parent.
func (r Record) UniqueIdentifier() string {
	return r.Kind.PathSegment() + "/" + r.ID
}

// Record captures p and its children.
func (p *Parent) Record() Record {
	r := Record{
		Kind:         p.kind,
		ID:           p.id,
		State:        p.StateType(),
		Checkpoint:   p.checkpoint,
		FailureCount: p.failureCount,
		LastOutput:   p.lastOutput,
		ToolDone:     p.toolDone,
		Children:     make([]ChildRecord, 0, len(p.children)),
	}
	for _, c := range p.children {
		r.Children = append(r.Children, ChildRecord{
			Kind:          c.kind,
			Filename:      c.filename,
			CatalogueType: c.catalogueType,
			SourceImage:   c.sourceImage,
			FileSize:      c.fileSize,
			State:         c.StateType(),
			Checkpoint:    c.checkpoint,
			FailureCount:  c.failureCount,
			LastOutput:    c.lastOutput,
			ToolDone:      c.toolDone,
		})
	}
	return r
}

// Restore rebuilds a parent from r without emitting events. Empty states
// mean UNDEPOSITED.
func Restore(f *Factory, r Record) (*Parent, error) {
	if !r.Kind.IsParent() {
		return nil, fmt.Errorf("deposit: %s is not a parent kind", r.Kind)
	}
	p, err := newParent(f, r.Kind, r.ID)
	if err != nil {
		return nil, err
	}
	if err := restoreLifecycle(p.lifecycle, r.State, r.Checkpoint, r.FailureCount, r.LastOutput); err != nil {
		return nil, err
	}
	p.toolDone = r.ToolDone

	for _, cr := range r.Children {
		c, err := p.AddChild(cr.Kind, cr.Filename, WithCatalogueType(cr.CatalogueType), WithSourceImage(cr.SourceImage))
		if err != nil {
			return nil, err
		}
		c.fileSize = cr.FileSize
		if err := restoreLifecycle(c.lifecycle, cr.State, cr.Checkpoint, cr.FailureCount, cr.LastOutput); err != nil {
			return nil, err
		}
		c.toolDone = cr.ToolDone
	}
	return p, nil
}

func restoreLifecycle(l *lifecycle, state, checkpoint types.StateType, failureCount int, output string) error {
	if state == "" {
		state = types.StateUndeposited
	}
	if checkpoint == "" {
		checkpoint = types.StateUndeposited
	}
	// the checkpoint must name a state the kind supports
	if !l.factory.Supports(l.self.Kind(), checkpoint) {
		return &UnsupportedStateError{Kind: l.self.Kind(), State: checkpoint}
	}
	st, err := l.factory.CreateState(state, l.self)
	if err != nil {
		return err
	}
	l.state = st
	l.checkpoint = checkpoint
	l.failureCount = failureCount
	l.lastOutput = output
	return nil
}

// Apply moves the depositable named by e to e.To without emitting an event.
// The controller uses it to replay journal entries newer than a snapshot.
func (p *Parent) Apply(e Event) error {
	var l *lifecycle
	switch {
	case e.UniqueIdentifier == p.UniqueIdentifier():
		l = p.lifecycle
	case p.Child(e.UniqueIdentifier) != nil:
		l = p.Child(e.UniqueIdentifier).lifecycle
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDepositable, e.UniqueIdentifier)
	}

	st, err := l.factory.CreateState(e.To, l.self)
	if err != nil {
		return err
	}
	l.state = st
	if st.IsCheckpoint() {
		l.checkpoint = e.To
	}
	l.failureCount = e.FailureCount
	l.toolDone = ""
	return nil
}
