package tree

import (
	"strings"

	"loom-backend/internal/domain/shared"
	pkgerrors "loom-backend/pkg/errors"
)

// Get returns the node with the given id.
func (t *Tree) Get(id shared.NodeID) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("node", id.String())
	}
	return n, nil
}

// Lookup returns the node with the given id, if present.
func (t *Tree) Lookup(id shared.NodeID) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.nodes[t.rootID] }

// RootID returns the root node id.
func (t *Tree) RootID() shared.NodeID { return t.rootID }

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Parent returns the parent of id, or nil when id is the root.
func (t *Tree) Parent(id shared.NodeID) (*Node, error) {
	n, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, nil
	}
	p, ok := t.nodes[n.parent]
	if !ok {
		t.quarantine(id, "dangling parent link")
		return nil, pkgerrors.NewInvariantViolation("parent of node is missing").WithDetail("node_id", id.String())
	}
	return p, nil
}

// Children returns the ordered children of id.
func (t *Tree) Children(id shared.NodeID) ([]*Node, error) {
	n, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		child, ok := t.nodes[c]
		if !ok {
			t.quarantine(id, "dangling child link")
			return nil, pkgerrors.NewInvariantViolation("child of node is missing").WithDetail("node_id", id.String())
		}
		out = append(out, child)
	}
	return out, nil
}

// Ancestry returns the path from the root to id, inclusive.
func (t *Tree) Ancestry(id shared.NodeID) ([]*Node, error) {
	return t.walkAncestry(id)
}

// AncestryText concatenates the text of every node from the root to id.
func (t *Tree) AncestryText(id shared.NodeID) (string, error) {
	path, err := t.walkAncestry(id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, n := range path {
		b.WriteString(n.text)
	}
	return b.String(), nil
}

// AncestryEndOffsets returns, for each node on the path from the root to id,
// the byte offset in the ancestry text at which that node's text ends.
func (t *Tree) AncestryEndOffsets(id shared.NodeID) ([]int, error) {
	path, err := t.walkAncestry(id)
	if err != nil {
		return nil, err
	}
	offsets := make([]int, len(path))
	end := 0
	for i, n := range path {
		end += len(n.text)
		offsets[i] = end
	}
	return offsets, nil
}

// IsDescendant reports whether id lies strictly below ancestorID.
func (t *Tree) IsDescendant(id, ancestorID shared.NodeID) bool {
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	for steps := 0; !n.IsRoot() && steps <= len(t.nodes); steps++ {
		if n.parent == ancestorID {
			return true
		}
		if n, ok = t.nodes[n.parent]; !ok {
			return false
		}
	}
	return false
}

// Depth returns the number of edges between the root and id.
func (t *Tree) Depth(id shared.NodeID) (int, error) {
	path, err := t.walkAncestry(id)
	if err != nil {
		return 0, err
	}
	return len(path) - 1, nil
}

// Subtree returns id and all its descendants in pre-order.
func (t *Tree) Subtree(id shared.NodeID) ([]shared.NodeID, error) {
	if _, err := t.Get(id); err != nil {
		return nil, err
	}
	return t.subtree(id), nil
}

// Leaves returns the leaves below id (id itself when it is a leaf) in
// pre-order.
func (t *Tree) Leaves(id shared.NodeID) ([]shared.NodeID, error) {
	ids, err := t.Subtree(id)
	if err != nil {
		return nil, err
	}
	var leaves []shared.NodeID
	for _, d := range ids {
		if t.nodes[d].IsLeaf() {
			leaves = append(leaves, d)
		}
	}
	return leaves, nil
}

// Walk visits every node in pre-order with its depth. Returning false from fn
// skips the node's children.
func (t *Tree) Walk(fn func(n *Node, depth int) bool) {
	type frame struct {
		id    shared.NodeID
		depth int
	}
	stack := []frame{{id: t.rootID}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[f.id]
		if !ok {
			continue
		}
		if !fn(n, f.depth) {
			continue
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{id: n.children[i], depth: f.depth + 1})
		}
	}
}

// IsQuarantined reports whether structural mutation of id's subtree is refused
// until the next reload.
func (t *Tree) IsQuarantined(id shared.NodeID) bool {
	_, bad := t.corrupt[id]
	return bad
}
