package tree

import (
	"math/rand/v2"

	"loom-backend/internal/domain/shared"
	pkgerrors "loom-backend/pkg/errors"
)

// Filter selects nodes for navigation. A node is visible only when the filter
// accepts it and every one of its ancestors.
type Filter func(*Node) bool

// All accepts every node.
func All(*Node) bool { return true }

// TransitionMode selects how StochasticTransition weights children.
type TransitionMode string

const (
	TransitionDescendants TransitionMode = "descendants"
	TransitionLeaves      TransitionMode = "leaves"
	TransitionUniform     TransitionMode = "uniform"
)

// Valid reports whether the mode is known.
func (m TransitionMode) Valid() bool {
	switch m {
	case TransitionDescendants, TransitionLeaves, TransitionUniform:
		return true
	}
	return false
}

// preorder calls fn for every node in pre-order with its visibility under
// filter. Returning false stops the traversal.
func (t *Tree) preorder(filter Filter, fn func(n *Node, visible bool) bool) {
	if filter == nil {
		filter = All
	}
	type frame struct {
		id        shared.NodeID
		parentVis bool
	}
	stack := []frame{{id: t.rootID, parentVis: true}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[f.id]
		if !ok {
			continue
		}
		visible := f.parentVis && filter(n)
		if !fn(n, visible) {
			return
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{id: n.children[i], parentVis: visible})
		}
	}
}

// FindNext returns the next visible node after id in pre-order, or id itself
// when there is none.
func (t *Tree) FindNext(id shared.NodeID, filter Filter) (shared.NodeID, error) {
	if _, err := t.Get(id); err != nil {
		return "", err
	}
	next := id
	passed := false
	t.preorder(filter, func(n *Node, visible bool) bool {
		if passed && visible {
			next = n.id
			return false
		}
		if n.id == id {
			passed = true
		}
		return true
	})
	return next, nil
}

// FindPrev returns the previous visible node before id in pre-order, or id
// itself when there is none.
func (t *Tree) FindPrev(id shared.NodeID, filter Filter) (shared.NodeID, error) {
	if _, err := t.Get(id); err != nil {
		return "", err
	}
	prev := id
	t.preorder(filter, func(n *Node, visible bool) bool {
		if n.id == id {
			return false
		}
		if visible {
			prev = n.id
		}
		return true
	})
	return prev, nil
}

// TransitionWeights returns id's children that pass filter together with their
// L1-normalized selection probabilities under mode. Children with zero weight
// are listed with probability 0.
func (t *Tree) TransitionWeights(id shared.NodeID, mode TransitionMode, filter Filter) ([]shared.NodeID, []float64, error) {
	if !mode.Valid() {
		return nil, nil, pkgerrors.NewValidationError("unknown transition mode").WithDetail("mode", string(mode))
	}
	if filter == nil {
		filter = All
	}
	n, err := t.Get(id)
	if err != nil {
		return nil, nil, err
	}

	var ids []shared.NodeID
	var weights []float64
	total := 0.0
	for _, c := range n.children {
		child, ok := t.nodes[c]
		if !ok || !filter(child) {
			continue
		}
		w := t.transitionWeight(child, mode, filter)
		ids = append(ids, c)
		weights = append(weights, w)
		total += w
	}
	if total <= 0 {
		return nil, nil, pkgerrors.NewInvalidOperationError("no child can be selected").WithDetail("node_id", id.String())
	}
	for i := range weights {
		weights[i] /= total
	}
	return ids, weights, nil
}

func (t *Tree) transitionWeight(child *Node, mode TransitionMode, filter Filter) float64 {
	if mode == TransitionUniform {
		return 1
	}
	count := 0
	stack := []*Node{child}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visibleChildren := 0
		for _, c := range n.children {
			if cn, ok := t.nodes[c]; ok && filter(cn) {
				visibleChildren++
				stack = append(stack, cn)
			}
		}
		switch mode {
		case TransitionDescendants:
			count++
		case TransitionLeaves:
			if visibleChildren == 0 {
				count++
			}
		}
	}
	return float64(count)
}

// StochasticTransition picks one of id's visible children at random, weighted
// according to mode. A nil rng uses the global source.
func (t *Tree) StochasticTransition(id shared.NodeID, mode TransitionMode, filter Filter, rng *rand.Rand) (shared.NodeID, error) {
	ids, probs, err := t.TransitionWeights(id, mode, filter)
	if err != nil {
		return "", err
	}
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64()
	}
	cumulative := 0.0
	last := -1
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		last = i
		cumulative += p
		if u < cumulative {
			return ids[i], nil
		}
	}
	return ids[last], nil
}
