package tree

import (
	"sort"
	"strings"
	"time"

	"loom-backend/internal/domain/shared"
	pkgerrors "loom-backend/pkg/errors"
)

// Chapter titles the part of the story starting at RootID.
type Chapter struct {
	ID     shared.ChapterID `json:"id"`
	RootID shared.NodeID    `json:"root_id"`
	Title  string           `json:"title"`
}

// Inheritance controls which nodes see a memory.
type Inheritance string

const (
	// InheritNode makes a memory visible at its root node only.
	InheritNode Inheritance = "node"
	// InheritSubtree makes a memory visible at its root and every descendant.
	InheritSubtree Inheritance = "subtree"
)

// Memory is a note injected into prompts generated below RootID.
type Memory struct {
	ID          shared.MemoryID `json:"id"`
	RootID      shared.NodeID   `json:"root_id"`
	Text        string          `json:"text"`
	Inheritance Inheritance     `json:"inheritance"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Summary condenses the text between RootID and EndID.
type Summary struct {
	ID     shared.SummaryID
	RootID shared.NodeID
	EndID  shared.NodeID
	Text   string
}

// AddChapter starts a chapter at rootID.
func (t *Tree) AddChapter(rootID shared.NodeID, title string) (shared.ChapterID, error) {
	if strings.TrimSpace(title) == "" {
		return "", pkgerrors.NewValidationError("chapter title cannot be empty")
	}
	id := shared.NewChapterID()
	err := t.mutateMeta("add_chapter", rootID, func(n *Node) bool {
		t.chapters[id] = &Chapter{ID: id, RootID: rootID, Title: title}
		n.chapterID = id
		return true
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RemoveChapter deletes a chapter. Nodes referencing it simply stop resolving.
func (t *Tree) RemoveChapter(id shared.ChapterID) error {
	c, ok := t.chapters[id]
	if !ok {
		return pkgerrors.NewNotFoundError("chapter", id.String())
	}
	delete(t.chapters, id)
	if n, ok := t.nodes[c.RootID]; ok && n.chapterID == id {
		return t.mutateMeta("remove_chapter", n.id, func(n *Node) bool {
			n.chapterID = ""
			return true
		})
	}
	return nil
}

// Chapter returns a chapter by id.
func (t *Tree) Chapter(id shared.ChapterID) (Chapter, bool) {
	c, ok := t.chapters[id]
	if !ok {
		return Chapter{}, false
	}
	return *c, true
}

// Chapters lists all chapters, ordered by title then id.
func (t *Tree) Chapters() []Chapter {
	out := make([]Chapter, 0, len(t.chapters))
	for _, c := range t.chapters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ChapterOf returns the chapter of the nearest ancestor-or-self that starts
// one. Chapters whose root node has been deleted are ignored.
func (t *Tree) ChapterOf(id shared.NodeID) (Chapter, bool, error) {
	path, err := t.walkAncestry(id)
	if err != nil {
		return Chapter{}, false, err
	}
	for i := len(path) - 1; i >= 0; i-- {
		if c, ok := t.chapters[path[i].chapterID]; ok && c.RootID == path[i].id {
			return *c, true, nil
		}
	}
	return Chapter{}, false, nil
}

// AddMemory attaches a memory to rootID.
func (t *Tree) AddMemory(rootID shared.NodeID, text string, inheritance Inheritance) (shared.MemoryID, error) {
	if _, err := t.Get(rootID); err != nil {
		return "", err
	}
	if inheritance == "" {
		inheritance = InheritSubtree
	}
	if inheritance != InheritNode && inheritance != InheritSubtree {
		return "", pkgerrors.NewValidationError("unknown memory inheritance").WithDetail("inheritance", string(inheritance))
	}
	id := shared.NewMemoryID()
	t.memories[id] = &Memory{ID: id, RootID: rootID, Text: text, Inheritance: inheritance, CreatedAt: t.now()}
	return id, nil
}

// RemoveMemory deletes a memory.
func (t *Tree) RemoveMemory(id shared.MemoryID) error {
	if _, ok := t.memories[id]; !ok {
		return pkgerrors.NewNotFoundError("memory", id.String())
	}
	delete(t.memories, id)
	return nil
}

// Memories lists every memory, including ones whose root node is gone.
func (t *Tree) Memories() []Memory {
	out := make([]Memory, 0, len(t.memories))
	for _, m := range t.memories {
		out = append(out, *m)
	}
	sortMemories(out)
	return out
}

// MemoriesFor returns the memories visible at id: those rooted at id itself
// and those rooted at an ancestor with subtree inheritance. Orphans are
// skipped.
func (t *Tree) MemoriesFor(id shared.NodeID) ([]Memory, error) {
	path, err := t.walkAncestry(id)
	if err != nil {
		return nil, err
	}
	onPath := make(map[shared.NodeID]struct{}, len(path))
	for _, n := range path {
		onPath[n.id] = struct{}{}
	}
	var out []Memory
	for _, m := range t.memories {
		if _, ok := onPath[m.RootID]; !ok {
			continue
		}
		if m.RootID == id || m.Inheritance == InheritSubtree {
			out = append(out, *m)
		}
	}
	sortMemories(out)
	return out, nil
}

func sortMemories(ms []Memory) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

// AddSummary records a summary of the text from rootID down to endID. endID
// must be rootID or one of its descendants.
func (t *Tree) AddSummary(rootID, endID shared.NodeID, text string) (shared.SummaryID, error) {
	if _, err := t.Get(rootID); err != nil {
		return "", err
	}
	if _, err := t.Get(endID); err != nil {
		return "", err
	}
	if rootID != endID && !t.IsDescendant(endID, rootID) {
		return "", pkgerrors.NewInvalidOperationError("summary end must descend from its root")
	}
	id := shared.NewSummaryID()
	t.summaries[id] = &Summary{ID: id, RootID: rootID, EndID: endID, Text: text}
	return id, nil
}

// RemoveSummary deletes a summary.
func (t *Tree) RemoveSummary(id shared.SummaryID) error {
	if _, ok := t.summaries[id]; !ok {
		return pkgerrors.NewNotFoundError("summary", id.String())
	}
	delete(t.summaries, id)
	return nil
}

// Summaries lists every summary ordered by id.
func (t *Tree) Summaries() []Summary {
	out := make([]Summary, 0, len(t.summaries))
	for _, s := range t.summaries {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SummariesFor returns the summaries whose whole span lies on the path from the
// root to id, ordered by the depth of their end node.
func (t *Tree) SummariesFor(id shared.NodeID) ([]Summary, error) {
	path, err := t.walkAncestry(id)
	if err != nil {
		return nil, err
	}
	depth := make(map[shared.NodeID]int, len(path))
	for i, n := range path {
		depth[n.id] = i
	}
	var out []Summary
	for _, s := range t.summaries {
		rd, okRoot := depth[s.RootID]
		ed, okEnd := depth[s.EndID]
		if okRoot && okEnd && rd <= ed {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if depth[out[i].EndID] != depth[out[j].EndID] {
			return depth[out[i].EndID] < depth[out[j].EndID]
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
