// Package tree implements the document tree: an arena of nodes whose
// root-to-node concatenation forms the story text.
//
// A Tree is not safe for concurrent use. It is meant to be owned by a single
// writer (see internal/service/session); other goroutines reference nodes by id
// and re-resolve them through the owner before mutating.
package tree

import (
	"time"

	"go.uber.org/zap"

	"loom-backend/internal/domain/shared"
	pkgerrors "loom-backend/pkg/errors"
)

// Tree is the aggregate root for a document. It exclusively owns every Node.
type Tree struct {
	nodes     map[shared.NodeID]*Node
	rootID    shared.NodeID
	chapters  map[shared.ChapterID]*Chapter
	memories  map[shared.MemoryID]*Memory
	summaries map[shared.SummaryID]*Summary
	corrupt   map[shared.NodeID]struct{}

	observers    []observer
	nextObserver int
	batch        *changeSet
	batchDepth   int
	version      int

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tree) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the time source used for node metadata and events.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		if now != nil {
			t.now = now
		}
	}
}

// NodeSpec describes a node to be created. The zero value is a mutable,
// empty, prompt-sourced node with a fresh id.
type NodeSpec struct {
	ID         shared.NodeID
	Text       string
	Source     Source
	Immutable  bool
	Open       bool
	Tags       []string
	Attributes map[string]string
	ChapterID  shared.ChapterID
	Multimedia []Multimedia
	CreatedAt  time.Time
	Modified   bool
	Pending    bool
}

// SegmentSpec rebuilds the NodeSpec of a node folded into a compound node.
func SegmentSpec(seg ZipSegment, text string) NodeSpec {
	return NodeSpec{
		ID:         seg.ID,
		Text:       text,
		Source:     seg.Meta.Source,
		Immutable:  !seg.Mutable,
		Open:       seg.Open,
		Tags:       seg.Tags,
		Attributes: seg.Attributes,
		ChapterID:  seg.ChapterID,
		Multimedia: seg.Multimedia,
		CreatedAt:  seg.Meta.CreatedAt,
		Modified:   seg.Meta.Modified,
	}
}

func newEmpty(opts ...Option) *Tree {
	t := &Tree{
		nodes:     make(map[shared.NodeID]*Node),
		chapters:  make(map[shared.ChapterID]*Chapter),
		memories:  make(map[shared.MemoryID]*Memory),
		summaries: make(map[shared.SummaryID]*Summary),
		corrupt:   make(map[shared.NodeID]struct{}),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// New creates a tree holding a single root node with the given text.
func New(rootText string, opts ...Option) *Tree {
	t := newEmpty(opts...)
	root := newNode(shared.NewNodeID(), rootText, SourcePrompt, t.now())
	t.nodes[root.id] = root
	t.rootID = root.id
	return t
}

// Update runs fn as one logical operation: every change made by nested
// primitives is folded into a single TreeChanged notification emitted when the
// outermost Update returns. Nested calls keep the outermost operation name.
func (t *Tree) Update(op string, fn func() error) error {
	if t.batchDepth == 0 {
		t.batch = newChangeSet(op)
	}
	t.batchDepth++
	defer func() {
		t.batchDepth--
		if t.batchDepth == 0 {
			cs := t.batch
			t.batch = nil
			t.emit(cs)
		}
	}()
	return fn()
}

// CreateChild appends a new leaf with the given text to parentID's children.
func (t *Tree) CreateChild(parentID shared.NodeID, text string) (shared.NodeID, error) {
	return t.CreateChildWith(parentID, NodeSpec{Text: text})
}

// CreateChildWith appends a new leaf described by spec to parentID's children.
func (t *Tree) CreateChildWith(parentID shared.NodeID, spec NodeSpec) (shared.NodeID, error) {
	var id shared.NodeID
	err := t.Update("create_child", func() error {
		parent, err := t.guard(parentID)
		if err != nil {
			return err
		}
		n, err := t.materialize(spec)
		if err != nil {
			return err
		}
		n.parent = parent.id
		parent.children = append(parent.children, n.id)
		t.nodes[n.id] = n
		t.batch.added(n.id)
		id = n.id
		return nil
	})
	return id, err
}

// CreateSibling appends a new empty node to the parent of id.
func (t *Tree) CreateSibling(id shared.NodeID) (shared.NodeID, error) {
	n, err := t.guard(id)
	if err != nil {
		return "", err
	}
	if n.IsRoot() {
		return "", pkgerrors.NewInvalidOperationError("root has no siblings")
	}
	return t.CreateChild(n.parent, "")
}

// CreateParent inserts a new empty node between id and its former parent,
// keeping id's position among its former siblings. If id was the root the new
// node becomes the root.
func (t *Tree) CreateParent(id shared.NodeID) (shared.NodeID, error) {
	return t.InsertParent(id, NodeSpec{})
}

// InsertParent inserts a node described by spec above id.
func (t *Tree) InsertParent(id shared.NodeID, spec NodeSpec) (shared.NodeID, error) {
	var newID shared.NodeID
	err := t.Update("create_parent", func() error {
		n, err := t.guard(id)
		if err != nil {
			return err
		}
		p, err := t.materialize(spec)
		if err != nil {
			return err
		}
		if n.IsRoot() {
			t.rootID = p.id
		} else {
			former := t.nodes[n.parent]
			former.children[indexOf(former.children, n.id)] = p.id
			p.parent = former.id
		}
		p.children = []shared.NodeID{n.id}
		n.parent = p.id
		t.nodes[p.id] = p
		t.batch.added(p.id)
		t.batch.edited(n.id)
		newID = p.id
		return nil
	})
	return newID, err
}

// Delete removes id from its parent's children. With reassignChildren the
// deleted node's children are spliced into the parent at the deleted node's
// former index in their original order; otherwise the whole subtree is removed.
func (t *Tree) Delete(id shared.NodeID, reassignChildren bool) error {
	return t.Update("delete", func() error {
		n, err := t.guard(id)
		if err != nil {
			return err
		}
		if n.IsRoot() {
			return pkgerrors.NewInvalidOperationError("cannot delete the root node")
		}
		parent := t.nodes[n.parent]
		idx := indexOf(parent.children, id)

		if reassignChildren {
			spliced := make([]shared.NodeID, 0, len(parent.children)-1+len(n.children))
			spliced = append(spliced, parent.children[:idx]...)
			spliced = append(spliced, n.children...)
			spliced = append(spliced, parent.children[idx+1:]...)
			parent.children = spliced
			for _, c := range n.children {
				t.nodes[c].parent = parent.id
				t.batch.edited(c)
			}
			t.remove(id)
			return nil
		}

		parent.children = append(parent.children[:idx:idx], parent.children[idx+1:]...)
		for _, d := range t.subtree(id) {
			t.remove(d)
		}
		return nil
	})
}

// ReplaceWithOnlyChild removes id and lets its single child take id's slot,
// including the root slot.
func (t *Tree) ReplaceWithOnlyChild(id shared.NodeID) error {
	return t.Update("replace_with_child", func() error {
		n, err := t.guard(id)
		if err != nil {
			return err
		}
		if len(n.children) != 1 {
			return pkgerrors.NewInvalidOperationError("node must have exactly one child")
		}
		child := t.nodes[n.children[0]]
		if n.IsRoot() {
			t.rootID = child.id
			child.parent = ""
		} else {
			parent := t.nodes[n.parent]
			parent.children[indexOf(parent.children, id)] = child.id
			child.parent = parent.id
		}
		t.batch.edited(child.id)
		t.remove(id)
		return nil
	})
}

// ChangeParent moves id under newParentID, appending it to the new parent's
// children. Moving a node under itself or one of its descendants fails with a
// cycle error and leaves the tree untouched.
func (t *Tree) ChangeParent(id, newParentID shared.NodeID) error {
	return t.Update("change_parent", func() error {
		n, err := t.guard(id)
		if err != nil {
			return err
		}
		newParent, err := t.guard(newParentID)
		if err != nil {
			return err
		}
		if id == newParentID || t.IsDescendant(newParentID, id) {
			return pkgerrors.NewCycleError(id.String(), newParentID.String())
		}
		old := t.nodes[n.parent]
		idx := indexOf(old.children, id)
		old.children = append(old.children[:idx:idx], old.children[idx+1:]...)
		newParent.children = append(newParent.children, id)
		n.parent = newParent.id
		t.batch.edited(id)
		return nil
	})
}

// Shift swaps id with the sibling delta positions away. The target index is
// clipped to the sibling range, so shifting past either end is a no-op.
func (t *Tree) Shift(id shared.NodeID, delta int) error {
	return t.Update("shift", func() error {
		n, err := t.guard(id)
		if err != nil {
			return err
		}
		if n.IsRoot() || delta == 0 {
			return nil
		}
		siblings := t.nodes[n.parent].children
		idx := indexOf(siblings, id)
		target := idx + delta
		if target < 0 {
			target = 0
		}
		if target > len(siblings)-1 {
			target = len(siblings) - 1
		}
		if target == idx {
			return nil
		}
		siblings[idx], siblings[target] = siblings[target], siblings[idx]
		t.batch.edited(siblings[idx])
		t.batch.edited(siblings[target])
		return nil
	})
}

// UpdateText replaces a node's text as a direct user edit: it flags the node
// modified and downgrades AI provenance to mixed.
func (t *Tree) UpdateText(id shared.NodeID, text string) error {
	return t.Update("update_text", func() error {
		n, err := t.writable(id)
		if err != nil {
			return err
		}
		if n.text == text {
			return nil
		}
		n.text = text
		n.meta.Modified = true
		if n.meta.Source == SourceAI {
			n.meta.Source = SourceMixed
		}
		t.batch.edited(id)
		return nil
	})
}

// WriteText replaces a node's text without touching provenance metadata.
// It is the write path of derived edits (text distribution, chain rewrites).
func (t *Tree) WriteText(id shared.NodeID, text string) error {
	return t.Update("write_text", func() error {
		n, err := t.writable(id)
		if err != nil {
			return err
		}
		if n.text == text {
			return nil
		}
		n.text = text
		t.batch.edited(id)
		return nil
	})
}

// SetPending flags or clears a node as awaiting a generation result. While
// flagged, foreground writes are refused with a pending-write error.
func (t *Tree) SetPending(id shared.NodeID, pending bool) error {
	n, err := t.guard(id)
	if err != nil {
		return err
	}
	n.pending = pending
	return nil
}

// WritePendingResult stores a generation result on a pending node and clears
// its pending flag.
func (t *Tree) WritePendingResult(id shared.NodeID, text string, source Source) error {
	return t.Update("generation_result", func() error {
		n, err := t.guard(id)
		if err != nil {
			return err
		}
		if !n.pending {
			return pkgerrors.NewInvalidOperationError("node is not awaiting a generation result")
		}
		n.pending = false
		n.text = text
		n.meta.Source = source
		t.batch.edited(id)
		return nil
	})
}

// SetMutable flags whether structural edits may target the node.
func (t *Tree) SetMutable(id shared.NodeID, mutable bool) error {
	return t.mutateMeta("set_mutable", id, func(n *Node) bool {
		if n.mutable == mutable {
			return false
		}
		n.mutable = mutable
		return true
	})
}

// SetOpen sets the node's expanded state.
func (t *Tree) SetOpen(id shared.NodeID, open bool) error {
	return t.mutateMeta("set_open", id, func(n *Node) bool {
		if n.open == open {
			return false
		}
		n.open = open
		return true
	})
}

// SetSource overrides the node's provenance.
func (t *Tree) SetSource(id shared.NodeID, source Source) error {
	return t.mutateMeta("set_source", id, func(n *Node) bool {
		if n.meta.Source == source {
			return false
		}
		n.meta.Source = source
		return true
	})
}

// AddTag adds a tag to the node.
func (t *Tree) AddTag(id shared.NodeID, tag string) error {
	if tag == "" {
		return pkgerrors.NewValidationError("tag cannot be empty")
	}
	return t.mutateMeta("add_tag", id, func(n *Node) bool {
		if n.HasTag(tag) {
			return false
		}
		n.tags[tag] = struct{}{}
		return true
	})
}

// RemoveTag removes a tag from the node.
func (t *Tree) RemoveTag(id shared.NodeID, tag string) error {
	return t.mutateMeta("remove_tag", id, func(n *Node) bool {
		if !n.HasTag(tag) {
			return false
		}
		delete(n.tags, tag)
		return true
	})
}

// SetAttribute sets a text attribute.
func (t *Tree) SetAttribute(id shared.NodeID, key, value string) error {
	if key == "" {
		return pkgerrors.NewValidationError("attribute key cannot be empty")
	}
	return t.mutateMeta("set_attribute", id, func(n *Node) bool {
		if old, ok := n.attributes[key]; ok && old == value {
			return false
		}
		n.attributes[key] = value
		return true
	})
}

// DeleteAttribute removes a text attribute.
func (t *Tree) DeleteAttribute(id shared.NodeID, key string) error {
	return t.mutateMeta("delete_attribute", id, func(n *Node) bool {
		if _, ok := n.attributes[key]; !ok {
			return false
		}
		delete(n.attributes, key)
		return true
	})
}

// AddMultimedia attaches a file to the node.
func (t *Tree) AddMultimedia(id shared.NodeID, media Multimedia) error {
	if media.File == "" {
		return pkgerrors.NewValidationError("multimedia file cannot be empty")
	}
	return t.mutateMeta("add_multimedia", id, func(n *Node) bool {
		n.multimedia = append(n.multimedia, media)
		return true
	})
}

// MarkCompound records the zip segments that make up a compound node.
func (t *Tree) MarkCompound(id shared.NodeID, segments []ZipSegment) error {
	return t.mutateMeta("mark_compound", id, func(n *Node) bool {
		n.zip = make([]ZipSegment, len(segments))
		for i, s := range segments {
			n.zip[i] = s.clone()
		}
		return true
	})
}

// ClearCompound forgets a node's zip segments.
func (t *Tree) ClearCompound(id shared.NodeID) error {
	return t.mutateMeta("clear_compound", id, func(n *Node) bool {
		if len(n.zip) == 0 {
			return false
		}
		n.zip = nil
		return true
	})
}

func (t *Tree) mutateMeta(op string, id shared.NodeID, fn func(n *Node) bool) error {
	return t.Update(op, func() error {
		n, err := t.guard(id)
		if err != nil {
			return err
		}
		if fn(n) {
			t.batch.edited(id)
		}
		return nil
	})
}

// materialize builds a node from spec without linking it.
func (t *Tree) materialize(spec NodeSpec) (*Node, error) {
	id := spec.ID
	if id.IsZero() {
		id = shared.NewNodeID()
	} else if _, exists := t.nodes[id]; exists {
		return nil, pkgerrors.NewInvalidOperationError("node id already exists").WithDetail("id", id.String())
	}
	source := spec.Source
	if source == "" {
		source = SourcePrompt
	}
	created := spec.CreatedAt
	if created.IsZero() {
		created = t.now()
	}
	n := newNode(id, spec.Text, source, created)
	n.mutable = !spec.Immutable
	n.open = spec.Open
	n.meta.Modified = spec.Modified
	n.chapterID = spec.ChapterID
	n.pending = spec.Pending
	for _, tag := range spec.Tags {
		n.tags[tag] = struct{}{}
	}
	for k, v := range spec.Attributes {
		n.attributes[k] = v
	}
	n.multimedia = append([]Multimedia(nil), spec.Multimedia...)
	return n, nil
}

// remove drops a single node from the arena. Links must already be updated.
func (t *Tree) remove(id shared.NodeID) {
	delete(t.nodes, id)
	delete(t.corrupt, id)
	t.batch.deleted(id)
}

// writable resolves a node that may receive a foreground text write.
func (t *Tree) writable(id shared.NodeID) (*Node, error) {
	n, err := t.guard(id)
	if err != nil {
		return nil, err
	}
	if n.pending {
		return nil, pkgerrors.NewPendingWriteError(id.String())
	}
	return n, nil
}

// guard resolves a node for mutation: it must exist, its ancestry must be
// sound, and no node on the path may be quarantined.
func (t *Tree) guard(id shared.NodeID) (*Node, error) {
	path, err := t.walkAncestry(id)
	if err != nil {
		return nil, err
	}
	for _, n := range path {
		if _, bad := t.corrupt[n.id]; bad {
			return nil, pkgerrors.NewInvariantViolation("subtree is quarantined until the document is reloaded").
				WithDetail("node_id", n.id.String())
		}
	}
	return path[len(path)-1], nil
}

// walkAncestry returns root..id. A dangling parent link or a parent cycle
// quarantines id and reports an invariant violation.
func (t *Tree) walkAncestry(id shared.NodeID) ([]*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("node", id.String())
	}
	path := []*Node{n}
	for !n.IsRoot() {
		parent, ok := t.nodes[n.parent]
		if !ok || len(path) > len(t.nodes) {
			t.quarantine(id, "broken parent chain")
			return nil, pkgerrors.NewInvariantViolation("node ancestry is broken").
				WithDetail("node_id", id.String())
		}
		path = append(path, parent)
		n = parent
	}
	if n.id != t.rootID {
		t.quarantine(id, "ancestry does not reach the root")
		return nil, pkgerrors.NewInvariantViolation("node ancestry does not reach the root").
			WithDetail("node_id", id.String())
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

func (t *Tree) quarantine(id shared.NodeID, reason string) {
	t.corrupt[id] = struct{}{}
	t.logger.Error("Quarantined node after invariant violation",
		zap.String("node_id", id.String()),
		zap.String("reason", reason),
	)
}

// subtree lists id and all its descendants in pre-order.
func (t *Tree) subtree(id shared.NodeID) []shared.NodeID {
	var out []shared.NodeID
	stack := []shared.NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[cur]
		if !ok {
			continue
		}
		out = append(out, cur)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	return out
}
