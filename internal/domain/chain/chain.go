// Package chain implements the structural rewrites built on tree primitives:
// split, merge, and the lossless zip/unzip of unbranching chains.
package chain

import (
	"unicode/utf8"

	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

func checkEditable(nodes ...*tree.Node) error {
	for _, n := range nodes {
		if !n.Mutable() {
			return pkgerrors.NewImmutableError(n.ID().String())
		}
		if n.Pending() {
			return pkgerrors.NewPendingWriteError(n.ID().String())
		}
	}
	return nil
}

// Split moves the text before offset into a new parent inserted above id. The
// remainder stays on id. offset is a byte offset and must fall on a rune
// boundary within [0, len(text)].
func Split(t *tree.Tree, id shared.NodeID, offset int) (shared.NodeID, error) {
	n, err := t.Get(id)
	if err != nil {
		return "", err
	}
	if err := checkEditable(n); err != nil {
		return "", err
	}
	text := n.Text()
	if offset < 0 || offset > len(text) {
		return "", pkgerrors.NewOutOfRangeError("split offset is outside the node text").
			WithDetail("offset", offset).WithDetail("length", len(text))
	}
	if offset < len(text) && !utf8.RuneStart(text[offset]) {
		return "", pkgerrors.NewOutOfRangeError("split offset is not on a character boundary").
			WithDetail("offset", offset)
	}

	var parentID shared.NodeID
	err = t.Update("split", func() error {
		var err error
		parentID, err = t.InsertParent(id, tree.NodeSpec{Text: text[:offset], Source: n.Meta().Source})
		if err != nil {
			return err
		}
		return t.WriteText(id, text[offset:])
	})
	if err != nil {
		return "", err
	}
	return parentID, nil
}

// MergeWithParent appends id's text to its parent, hands id's children to the
// parent at id's position and removes id.
func MergeWithParent(t *tree.Tree, id shared.NodeID) error {
	n, err := t.Get(id)
	if err != nil {
		return err
	}
	if n.IsRoot() {
		return pkgerrors.NewInvalidOperationError("root has no parent to merge with")
	}
	p, err := t.Parent(id)
	if err != nil {
		return err
	}
	if err := checkEditable(n, p); err != nil {
		return err
	}

	return t.Update("merge_with_parent", func() error {
		if err := t.WriteText(p.ID(), p.Text()+n.Text()); err != nil {
			return err
		}
		return t.Delete(id, true)
	})
}

// MergeWithChildren prepends id's text to each of its children and removes id,
// splicing the children into its place. A root can only be merged into a
// single child, which then becomes the root.
func MergeWithChildren(t *tree.Tree, id shared.NodeID) error {
	return t.Update("merge_with_children", func() error {
		return mergeWithChildren(t, id)
	})
}

func mergeWithChildren(t *tree.Tree, id shared.NodeID) error {
	n, err := t.Get(id)
	if err != nil {
		return err
	}
	children, err := t.Children(id)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return pkgerrors.NewInvalidOperationError("node has no children to merge into")
	}
	if n.IsRoot() && len(children) > 1 {
		return pkgerrors.NewInvalidOperationError("root can only be merged into a single child")
	}
	if err := checkEditable(append([]*tree.Node{n}, children...)...); err != nil {
		return err
	}

	for _, c := range children {
		if err := t.WriteText(c.ID(), n.Text()+c.Text()); err != nil {
			return err
		}
	}
	if n.IsRoot() {
		return t.ReplaceWithOnlyChild(id)
	}
	return t.Delete(id, true)
}

// IsCompound reports whether id was produced by zipping a chain.
func IsCompound(t *tree.Tree, id shared.NodeID) (bool, error) {
	n, err := t.Get(id)
	if err != nil {
		return false, err
	}
	return n.IsCompound(), nil
}

// chainFrom collects the unbranching chain that starts at n: it extends while
// the current node has exactly one child and that child passes filter.
func chainFrom(t *tree.Tree, n *tree.Node, filter tree.Filter) ([]*tree.Node, error) {
	if filter == nil {
		filter = tree.All
	}
	chain := []*tree.Node{n}
	cur := n
	for cur.ChildCount() == 1 {
		children, err := t.Children(cur.ID())
		if err != nil {
			return nil, err
		}
		if !filter(children[0]) {
			break
		}
		chain = append(chain, children[0])
		cur = children[0]
	}
	return chain, nil
}

// segmentsOf returns the zip segments describing n, expanding a compound node
// into its own segments. The last segment's length absorbs any edit made to
// the compound since it was zipped.
func segmentsOf(n *tree.Node) ([]tree.ZipSegment, error) {
	if !n.IsCompound() {
		return []tree.ZipSegment{n.Segment()}, nil
	}
	segs := n.ZipSegments()
	upper := 0
	for _, s := range segs[:len(segs)-1] {
		upper += s.Length
	}
	if upper > len(n.Text()) {
		return nil, pkgerrors.NewOutOfRangeError("compound text is shorter than its recorded segments").
			WithDetail("node_id", n.ID().String())
	}
	segs[len(segs)-1].Length = len(n.Text()) - upper
	return segs, nil
}

// ZipChain collapses the unbranching chain starting at id into its bottom
// node, which becomes a compound node remembering every original node. Chains
// shorter than two nodes are left alone. It returns the compound node's id.
func ZipChain(t *tree.Tree, id shared.NodeID, filter tree.Filter) (shared.NodeID, error) {
	n, err := t.Get(id)
	if err != nil {
		return "", err
	}
	nodes, err := chainFrom(t, n, filter)
	if err != nil {
		return "", err
	}
	if len(nodes) < 2 {
		return id, nil
	}
	if err := checkEditable(nodes...); err != nil {
		return "", err
	}

	var segments []tree.ZipSegment
	for _, c := range nodes {
		segs, err := segmentsOf(c)
		if err != nil {
			return "", err
		}
		segments = append(segments, segs...)
	}
	bottom := nodes[len(nodes)-1].ID()

	err = t.Update("zip", func() error {
		for _, c := range nodes[:len(nodes)-1] {
			if err := mergeWithChildren(t, c.ID()); err != nil {
				return err
			}
		}
		return t.MarkCompound(bottom, segments)
	})
	if err != nil {
		return "", err
	}
	return bottom, nil
}

// Unzip expands a compound node back into the chain it was zipped from,
// restoring the original ids, metadata and text boundaries. The compound node
// keeps the bottom segment. A plain node is left untouched. It returns the ids
// of the restored chain from top to bottom.
func Unzip(t *tree.Tree, id shared.NodeID) ([]shared.NodeID, error) {
	n, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	if !n.IsCompound() {
		return nil, nil
	}
	if n.Pending() {
		return nil, pkgerrors.NewPendingWriteError(id.String())
	}

	segs := n.ZipSegments()
	upper := segs[:len(segs)-1]
	text := n.Text()
	pieces := make([]string, len(upper))
	offset := 0
	for i, s := range upper {
		end := offset + s.Length
		if s.Length < 0 || end > len(text) {
			return nil, pkgerrors.NewOutOfRangeError("compound text is shorter than its recorded segments").
				WithDetail("node_id", id.String())
		}
		if end < len(text) && !utf8.RuneStart(text[end]) {
			return nil, pkgerrors.NewOutOfRangeError("segment boundary is not on a character boundary").
				WithDetail("node_id", id.String())
		}
		if _, exists := t.Lookup(s.ID); exists {
			return nil, pkgerrors.NewInvalidOperationError("segment id is already in use").
				WithDetail("segment_id", s.ID.String())
		}
		pieces[i] = text[offset:end]
		offset = end
	}

	restored := make([]shared.NodeID, len(segs))
	restored[len(segs)-1] = id
	err = t.Update("unzip", func() error {
		if err := t.WriteText(id, text[offset:]); err != nil {
			return err
		}
		if err := t.ClearCompound(id); err != nil {
			return err
		}
		child := id
		for i := len(upper) - 1; i >= 0; i-- {
			pid, err := t.InsertParent(child, tree.SegmentSpec(upper[i], pieces[i]))
			if err != nil {
				return err
			}
			restored[i] = pid
			child = pid
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// ZipAll zips every maximal unbranching chain in the tree. Immutable and
// pending nodes break chains, so the editable runs around them are zipped on
// their own. It returns the number of chains zipped.
func ZipAll(t *tree.Tree, filter tree.Filter) (int, error) {
	if filter == nil {
		filter = tree.All
	}
	visible := filter
	filter = func(n *tree.Node) bool {
		return visible(n) && n.Mutable() && !n.Pending()
	}
	var tops []shared.NodeID
	t.Walk(func(n *tree.Node, _ int) bool {
		if n.ChildCount() != 1 || !filter(n) {
			return true
		}
		// already covered by a chain starting higher up
		if p, ok := t.Lookup(n.Parent()); ok && p.ChildCount() == 1 && filter(p) {
			return true
		}
		tops = append(tops, n.ID())
		return true
	})

	zipped := 0
	err := t.Update("zip_all", func() error {
		for _, top := range tops {
			if _, ok := t.Lookup(top); !ok {
				continue
			}
			bottom, err := ZipChain(t, top, filter)
			if pkgerrors.IsImmutable(err) || pkgerrors.IsPendingWrite(err) {
				continue
			}
			if err != nil {
				return err
			}
			if bottom != top {
				zipped++
			}
		}
		return nil
	})
	return zipped, err
}

// UnzipAll expands every compound node. It returns the number of nodes
// expanded.
func UnzipAll(t *tree.Tree) (int, error) {
	var compounds []shared.NodeID
	t.Walk(func(n *tree.Node, _ int) bool {
		if n.IsCompound() {
			compounds = append(compounds, n.ID())
		}
		return true
	})

	err := t.Update("unzip_all", func() error {
		for _, id := range compounds {
			if _, err := Unzip(t, id); err != nil {
				return err
			}
		}
		return nil
	})
	return len(compounds), err
}
