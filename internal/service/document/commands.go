package document

import (
	"context"

	"go.uber.org/zap"

	"loom-backend/internal/domain/chain"
	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
)

// CreateChild appends a new child with text under parent.
func (s *Service) CreateChild(ctx context.Context, parent shared.NodeID, text string) (shared.NodeID, error) {
	var id shared.NodeID
	err := s.do(ctx, "create_child", func(t *tree.Tree) (err error) {
		id, err = t.CreateChild(parent, text)
		return err
	})
	return id, err
}

// CreateSibling appends an empty node to the children of id's parent.
func (s *Service) CreateSibling(ctx context.Context, id shared.NodeID) (shared.NodeID, error) {
	var out shared.NodeID
	err := s.do(ctx, "create_sibling", func(t *tree.Tree) (err error) {
		out, err = t.CreateSibling(id)
		return err
	})
	return out, err
}

// CreateParent inserts an empty node between id and its parent.
func (s *Service) CreateParent(ctx context.Context, id shared.NodeID) (shared.NodeID, error) {
	var out shared.NodeID
	err := s.do(ctx, "create_parent", func(t *tree.Tree) (err error) {
		out, err = t.CreateParent(id)
		return err
	})
	return out, err
}

// Delete removes id. With reassignChildren its children move to id's parent,
// otherwise the whole subtree goes.
func (s *Service) Delete(ctx context.Context, id shared.NodeID, reassignChildren bool) error {
	return s.do(ctx, "delete", func(t *tree.Tree) error {
		return t.Delete(id, reassignChildren)
	})
}

// Reparent moves id under newParent.
func (s *Service) Reparent(ctx context.Context, id, newParent shared.NodeID) error {
	return s.do(ctx, "change_parent", func(t *tree.Tree) error {
		return t.ChangeParent(id, newParent)
	})
}

// Shift moves id delta places among its siblings.
func (s *Service) Shift(ctx context.Context, id shared.NodeID, delta int) error {
	return s.do(ctx, "shift", func(t *tree.Tree) error {
		return t.Shift(id, delta)
	})
}

// UpdateText replaces the text of one node.
func (s *Service) UpdateText(ctx context.Context, id shared.NodeID, text string) error {
	return s.do(ctx, "update_text", func(t *tree.Tree) error {
		return t.UpdateText(id, text)
	})
}

// EditRequest is a flat-text edit of a node's ancestry. BaseText, when set,
// is the ancestry text the edit was made against; the edit is refused if the
// tree has changed since.
type EditRequest struct {
	LeafID   shared.NodeID `json:"leaf_id"`
	Text     string        `json:"text"`
	BaseText *string       `json:"base_text,omitempty"`
}

// Edit distributes a rewritten ancestry text back onto the nodes it came
// from and returns the ids of the changed nodes.
func (s *Service) Edit(ctx context.Context, req EditRequest) ([]shared.NodeID, error) {
	var changed []shared.NodeID
	err := s.do(ctx, "distribute", func(t *tree.Tree) (err error) {
		if req.BaseText != nil {
			changed, err = s.distributor.ApplyFromView(t, req.LeafID, *req.BaseText, req.Text)
		} else {
			changed, err = s.distributor.Apply(t, req.LeafID, req.Text)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDistribution(len(changed))
	return changed, nil
}

// Split cuts id at byte offset. The text before offset moves to a new parent
// node, whose id is returned; id keeps the rest.
func (s *Service) Split(ctx context.Context, id shared.NodeID, offset int) (shared.NodeID, error) {
	var out shared.NodeID
	err := s.do(ctx, "split", func(t *tree.Tree) (err error) {
		out, err = chain.Split(t, id, offset)
		return err
	})
	return out, err
}

// MergeWithParent folds id into its parent.
func (s *Service) MergeWithParent(ctx context.Context, id shared.NodeID) error {
	return s.do(ctx, "merge_with_parent", func(t *tree.Tree) error {
		return chain.MergeWithParent(t, id)
	})
}

// MergeWithChildren folds id into each of its children.
func (s *Service) MergeWithChildren(ctx context.Context, id shared.NodeID) error {
	return s.do(ctx, "merge_with_children", func(t *tree.Tree) error {
		return chain.MergeWithChildren(t, id)
	})
}

// Zip collapses the unbranching visible chain starting at id and returns the
// compound node.
func (s *Service) Zip(ctx context.Context, id shared.NodeID) (shared.NodeID, error) {
	var out shared.NodeID
	err := s.do(ctx, "zip", func(t *tree.Tree) (err error) {
		out, err = chain.ZipChain(t, id, Visible)
		return err
	})
	return out, err
}

// Unzip expands a compound node and returns the restored chain.
func (s *Service) Unzip(ctx context.Context, id shared.NodeID) ([]shared.NodeID, error) {
	var out []shared.NodeID
	err := s.do(ctx, "unzip", func(t *tree.Tree) (err error) {
		out, err = chain.Unzip(t, id)
		return err
	})
	return out, err
}

// ZipAll zips every unbranching chain and returns how many were zipped.
func (s *Service) ZipAll(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, "zip_all", func(t *tree.Tree) (err error) {
		n, err = chain.ZipAll(t, Visible)
		return err
	})
	if err == nil {
		s.logger.Info("Zipped chains", zap.Int("count", n))
	}
	return n, err
}

// UnzipAll expands every compound node.
func (s *Service) UnzipAll(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, "unzip_all", func(t *tree.Tree) (err error) {
		n, err = chain.UnzipAll(t)
		return err
	})
	return n, err
}

// Tag adds or removes a tag.
func (s *Service) Tag(ctx context.Context, id shared.NodeID, tag string, on bool) error {
	return s.do(ctx, "tag", func(t *tree.Tree) error {
		if on {
			return t.AddTag(id, tag)
		}
		return t.RemoveTag(id, tag)
	})
}

// SetMutable locks or unlocks a node's text.
func (s *Service) SetMutable(ctx context.Context, id shared.NodeID, mutable bool) error {
	return s.do(ctx, "set_mutable", func(t *tree.Tree) error {
		return t.SetMutable(id, mutable)
	})
}

// AddChapter starts a chapter at id.
func (s *Service) AddChapter(ctx context.Context, id shared.NodeID, title string) (shared.ChapterID, error) {
	var out shared.ChapterID
	err := s.do(ctx, "add_chapter", func(t *tree.Tree) (err error) {
		out, err = t.AddChapter(id, title)
		return err
	})
	return out, err
}

// RemoveChapter deletes a chapter.
func (s *Service) RemoveChapter(ctx context.Context, id shared.ChapterID) error {
	return s.do(ctx, "remove_chapter", func(t *tree.Tree) error {
		return t.RemoveChapter(id)
	})
}

// Chapters lists every chapter.
func (s *Service) Chapters(ctx context.Context) ([]tree.Chapter, error) {
	var out []tree.Chapter
	err := s.do(ctx, "chapters", func(t *tree.Tree) error {
		out = t.Chapters()
		return nil
	})
	return out, err
}

// AddMemory attaches a memory to id.
func (s *Service) AddMemory(ctx context.Context, id shared.NodeID, text string, inheritance tree.Inheritance) (shared.MemoryID, error) {
	var out shared.MemoryID
	err := s.do(ctx, "add_memory", func(t *tree.Tree) (err error) {
		out, err = t.AddMemory(id, text, inheritance)
		return err
	})
	return out, err
}

// RemoveMemory deletes a memory.
func (s *Service) RemoveMemory(ctx context.Context, id shared.MemoryID) error {
	return s.do(ctx, "remove_memory", func(t *tree.Tree) error {
		return t.RemoveMemory(id)
	})
}

// Memories returns the memories visible at id.
func (s *Service) Memories(ctx context.Context, id shared.NodeID) ([]tree.Memory, error) {
	var out []tree.Memory
	err := s.do(ctx, "memories", func(t *tree.Tree) (err error) {
		out, err = t.MemoriesFor(id)
		return err
	})
	return out, err
}

// AddSummary records a summary of the text from root to end.
func (s *Service) AddSummary(ctx context.Context, root, end shared.NodeID, text string) (shared.SummaryID, error) {
	var out shared.SummaryID
	err := s.do(ctx, "add_summary", func(t *tree.Tree) (err error) {
		out, err = t.AddSummary(root, end, text)
		return err
	})
	return out, err
}
