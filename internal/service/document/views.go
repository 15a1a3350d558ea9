package document

import (
	"context"
	"time"

	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
)

// NodeView is a detached copy of one node.
type NodeView struct {
	ID         shared.NodeID     `json:"id"`
	ParentID   shared.NodeID     `json:"parent_id,omitempty"`
	Text       string            `json:"text"`
	Children   []shared.NodeID   `json:"children"`
	Mutable    bool              `json:"mutable"`
	Open       bool              `json:"open,omitempty"`
	Pending    bool              `json:"pending,omitempty"`
	Compound   bool              `json:"compound,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ChapterID  shared.ChapterID  `json:"chapter_id,omitempty"`
	Source     tree.Source       `json:"source"`
	Modified   bool              `json:"modified,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func viewOf(n *tree.Node) NodeView {
	meta := n.Meta()
	return NodeView{
		ID:         n.ID(),
		ParentID:   n.Parent(),
		Text:       n.Text(),
		Children:   n.Children(),
		Mutable:    n.Mutable(),
		Open:       n.Open(),
		Pending:    n.Pending(),
		Compound:   n.IsCompound(),
		Tags:       n.Tags(),
		Attributes: n.Attributes(),
		ChapterID:  n.ChapterID(),
		Source:     meta.Source,
		Modified:   meta.Modified,
		CreatedAt:  meta.CreatedAt,
	}
}

// AncestryView is the text a node continues, with the nodes it is made of.
// Offsets[i] is the byte offset where Nodes[i] ends in Text.
type AncestryView struct {
	NodeID  shared.NodeID `json:"node_id"`
	Text    string        `json:"text"`
	Nodes   []NodeView    `json:"nodes"`
	Offsets []int         `json:"offsets"`
	Chapter string        `json:"chapter,omitempty"`
}

// Snapshot returns the persistable form of the whole document.
func (s *Service) Snapshot(ctx context.Context) (*tree.DocumentRecord, error) {
	var doc *tree.DocumentRecord
	err := s.do(ctx, "snapshot", func(t *tree.Tree) error {
		doc = t.ToRecord()
		return nil
	})
	return doc, err
}

// Root returns the root node.
func (s *Service) Root(ctx context.Context) (NodeView, error) {
	var v NodeView
	err := s.do(ctx, "root", func(t *tree.Tree) error {
		v = viewOf(t.Root())
		return nil
	})
	return v, err
}

// Node returns one node.
func (s *Service) Node(ctx context.Context, id shared.NodeID) (NodeView, error) {
	var v NodeView
	err := s.do(ctx, "node", func(t *tree.Tree) error {
		n, err := t.Get(id)
		if err != nil {
			return err
		}
		v = viewOf(n)
		return nil
	})
	return v, err
}

// Children returns the children of id in order.
func (s *Service) Children(ctx context.Context, id shared.NodeID) ([]NodeView, error) {
	var out []NodeView
	err := s.do(ctx, "children", func(t *tree.Tree) error {
		children, err := t.Children(id)
		if err != nil {
			return err
		}
		out = make([]NodeView, len(children))
		for i, c := range children {
			out[i] = viewOf(c)
		}
		return nil
	})
	return out, err
}

// Ancestry returns the root-to-id text.
func (s *Service) Ancestry(ctx context.Context, id shared.NodeID) (AncestryView, error) {
	v := AncestryView{NodeID: id}
	err := s.do(ctx, "ancestry", func(t *tree.Tree) error {
		path, err := t.Ancestry(id)
		if err != nil {
			return err
		}
		if v.Text, err = t.AncestryText(id); err != nil {
			return err
		}
		if v.Offsets, err = t.AncestryEndOffsets(id); err != nil {
			return err
		}
		v.Nodes = make([]NodeView, len(path))
		for i, n := range path {
			v.Nodes[i] = viewOf(n)
		}
		if c, ok, err := t.ChapterOf(id); err != nil {
			return err
		} else if ok {
			v.Chapter = c.Title
		}
		return nil
	})
	return v, err
}

// Leaves returns the leaves under id in pre-order.
func (s *Service) Leaves(ctx context.Context, id shared.NodeID) ([]shared.NodeID, error) {
	var out []shared.NodeID
	err := s.do(ctx, "leaves", func(t *tree.Tree) (err error) {
		out, err = t.Leaves(id)
		return err
	})
	return out, err
}

// Direction selects a navigation step.
type Direction string

const (
	Next Direction = "next"
	Prev Direction = "prev"
)

// Navigate returns the next or previous visible node in pre-order. Archived
// subtrees are skipped.
func (s *Service) Navigate(ctx context.Context, id shared.NodeID, dir Direction) (shared.NodeID, error) {
	var out shared.NodeID
	err := s.do(ctx, "navigate", func(t *tree.Tree) (err error) {
		if dir == Prev {
			out, err = t.FindPrev(id, Visible)
		} else {
			out, err = t.FindNext(id, Visible)
		}
		return err
	})
	return out, err
}

// Walk picks a random visible child of id, weighted by mode.
func (s *Service) Walk(ctx context.Context, id shared.NodeID, mode tree.TransitionMode) (shared.NodeID, error) {
	var out shared.NodeID
	err := s.do(ctx, "walk", func(t *tree.Tree) (err error) {
		out, err = t.StochasticTransition(id, mode, Visible, nil)
		return err
	})
	return out, err
}
