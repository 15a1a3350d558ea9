// Package distribute reconciles an edited flat ancestry text back onto the
// nodes whose concatenation produced it.
package distribute

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/textdiff"
	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

// Result is the outcome of distributing an edit over a list of node texts.
type Result struct {
	// Texts holds the new text of every node, index-aligned with the input.
	Texts []string
	// Changed lists the indices whose text differs from the input.
	Changed []int
}

// Distribute maps newText onto texts, the root-to-leaf node texts whose
// concatenation is the old text.
//
// A position at a node seam belongs to the node starting there. Inserted text
// of a replacement lands in the node where the deletion starts; nodes fully
// inside a deletion are blanked, never removed. An insertion at the very end
// goes to the last node.
func Distribute(texts []string, newText string) (Result, error) {
	if len(texts) == 0 {
		return Result{}, pkgerrors.NewInvariantViolation("cannot distribute an edit over an empty ancestry")
	}
	old := strings.Join(texts, "")
	if old == newText {
		return Result{Texts: append([]string(nil), texts...)}, nil
	}

	spans, err := textdiff.Diff(old, newText)
	if err != nil {
		return Result{}, err
	}

	starts := make([]int, len(texts))
	ends := make([]int, len(texts))
	pos := 0
	for i, s := range texts {
		starts[i] = pos
		pos += len(s)
		ends[i] = pos
	}
	owner := func(p int) int {
		// last node whose start is <= p
		i := sort.Search(len(starts), func(i int) bool { return starts[i] > p }) - 1
		if i < 0 {
			return 0
		}
		return i
	}

	builders := make([]strings.Builder, len(texts))
	var hunk *textdiff.Hunk
	flush := func() {
		if hunk == nil {
			return
		}
		// deleted bytes are dropped by never being copied; nodes strictly
		// inside the deletion therefore end up empty
		builders[owner(hunk.Start)].WriteString(hunk.Inserted)
		hunk = nil
	}

	for _, s := range spans {
		if s.Kind != textdiff.Equal {
			if hunk == nil {
				hunk = &textdiff.Hunk{Start: s.OldStart}
			}
			if s.Kind == textdiff.Delete {
				hunk.Deleted += s.Text
			} else {
				hunk.Inserted += s.Text
			}
			continue
		}
		flush()
		for a, b := s.OldStart, s.OldEnd(); a < b; {
			i := owner(a)
			end := min(b, ends[i])
			if end <= a {
				return Result{}, pkgerrors.NewInvariantViolation("diff offset does not map to any node").WithDetail("offset", a)
			}
			builders[i].WriteString(old[a:end])
			a = end
		}
	}
	flush()

	res := Result{Texts: make([]string, len(texts))}
	for i := range builders {
		res.Texts[i] = builders[i].String()
		if res.Texts[i] != texts[i] {
			res.Changed = append(res.Changed, i)
		}
	}
	if strings.Join(res.Texts, "") != newText {
		return Result{}, pkgerrors.NewInvariantViolation("distributed text does not match the edit")
	}
	return res, nil
}

// Distributor applies flat-text edits to a tree.
type Distributor struct {
	logger *zap.Logger
}

// NewDistributor creates a Distributor.
func NewDistributor(logger *zap.Logger) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{logger: logger}
}

// Apply distributes newText over the ancestry of leaf and writes the changed
// nodes in a single tree update. It returns the ids of the changed nodes. Node
// provenance is left untouched.
func (d *Distributor) Apply(t *tree.Tree, leaf shared.NodeID, newText string) ([]shared.NodeID, error) {
	path, err := t.Ancestry(leaf)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(path))
	for i, n := range path {
		texts[i] = n.Text()
	}

	res, err := Distribute(texts, newText)
	if err != nil {
		d.logger.Warn("Failed to distribute edit",
			zap.String("leaf_id", leaf.String()),
			zap.Error(err),
		)
		return nil, err
	}
	if len(res.Changed) == 0 {
		return nil, nil
	}

	changed := make([]shared.NodeID, len(res.Changed))
	for j, i := range res.Changed {
		if path[i].Pending() {
			return nil, pkgerrors.NewPendingWriteError(path[i].ID().String())
		}
		changed[j] = path[i].ID()
	}

	err = t.Update("distribute", func() error {
		for _, i := range res.Changed {
			if err := t.WriteText(path[i].ID(), res.Texts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("Distributed edit",
		zap.String("leaf_id", leaf.String()),
		zap.Int("changed", len(changed)),
	)
	return changed, nil
}

// ApplyFromView is Apply for callers that edited a copy of the ancestry text.
// If viewText no longer matches the tree the edit is refused so the caller can
// reload before retrying.
func (d *Distributor) ApplyFromView(t *tree.Tree, leaf shared.NodeID, viewText, newText string) ([]shared.NodeID, error) {
	current, err := t.AncestryText(leaf)
	if err != nil {
		return nil, err
	}
	if current != viewText {
		return nil, pkgerrors.NewInvariantViolation("edited text is based on a stale view of the ancestry").
			WithDetail("leaf_id", leaf.String())
	}
	return d.Apply(t, leaf, newText)
}
