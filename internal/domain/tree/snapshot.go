package tree

import (
	"time"

	"loom-backend/internal/domain/shared"
	pkgerrors "loom-backend/pkg/errors"
)

// MetaRecord is the serialized form of Meta.
type MetaRecord struct {
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Modified  bool      `json:"modified,omitempty" yaml:"modified,omitempty"`
}

// ZipSegmentRecord is the serialized form of ZipSegment.
type ZipSegmentRecord struct {
	ID             string            `json:"id" yaml:"id"`
	Length         int               `json:"length" yaml:"length"`
	Mutable        bool              `json:"mutable" yaml:"mutable"`
	Open           bool              `json:"open,omitempty" yaml:"open,omitempty"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	TextAttributes map[string]string `json:"text_attributes,omitempty" yaml:"text_attributes,omitempty"`
	Meta           MetaRecord        `json:"meta" yaml:"meta"`
	ChapterID      string            `json:"chapter_id,omitempty" yaml:"chapter_id,omitempty"`
	Multimedia     []Multimedia      `json:"multimedia,omitempty" yaml:"multimedia,omitempty"`
}

// NodeRecord is the nested persisted form of a node and its subtree.
type NodeRecord struct {
	ID             string             `json:"id" yaml:"id"`
	Text           string             `json:"text" yaml:"text"`
	Children       []*NodeRecord      `json:"children" yaml:"children"`
	Mutable        *bool              `json:"mutable,omitempty" yaml:"mutable,omitempty"`
	Open           bool               `json:"open,omitempty" yaml:"open,omitempty"`
	Tags           []string           `json:"tags,omitempty" yaml:"tags,omitempty"`
	TextAttributes map[string]string  `json:"text_attributes,omitempty" yaml:"text_attributes,omitempty"`
	ChapterID      string             `json:"chapter_id,omitempty" yaml:"chapter_id,omitempty"`
	Multimedia     []Multimedia       `json:"multimedia,omitempty" yaml:"multimedia,omitempty"`
	Meta           *MetaRecord        `json:"meta,omitempty" yaml:"meta,omitempty"`
	Zip            []ZipSegmentRecord `json:"zip,omitempty" yaml:"zip,omitempty"`
}

// ChapterRecord is the persisted form of a chapter.
type ChapterRecord struct {
	ID     string `json:"id" yaml:"id"`
	RootID string `json:"root_id" yaml:"root_id"`
	Title  string `json:"title" yaml:"title"`
}

// MemoryRecord is the persisted form of a memory.
type MemoryRecord struct {
	ID          string    `json:"id" yaml:"id"`
	RootID      string    `json:"root_id" yaml:"root_id"`
	Text        string    `json:"text" yaml:"text"`
	Inheritance string    `json:"inheritance" yaml:"inheritance"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// SummaryRecord is the persisted form of a summary.
type SummaryRecord struct {
	ID     string `json:"id" yaml:"id"`
	RootID string `json:"root_id" yaml:"root_id"`
	EndID  string `json:"end_id" yaml:"end_id"`
	Text   string `json:"text" yaml:"text"`
}

// DocumentRecord is the complete persisted form of a tree.
type DocumentRecord struct {
	Root      *NodeRecord              `json:"root" yaml:"root"`
	Chapters  map[string]ChapterRecord `json:"chapters,omitempty" yaml:"chapters,omitempty"`
	Memories  map[string]MemoryRecord  `json:"memories,omitempty" yaml:"memories,omitempty"`
	Summaries map[string]SummaryRecord `json:"summaries,omitempty" yaml:"summaries,omitempty"`
}

// ToRecord serializes the tree. Nodes still awaiting a generation result are
// left out so a saved document never contains placeholder sentinels.
func (t *Tree) ToRecord() *DocumentRecord {
	doc := &DocumentRecord{
		Root:      t.nodeRecord(t.Root()),
		Chapters:  make(map[string]ChapterRecord, len(t.chapters)),
		Memories:  make(map[string]MemoryRecord, len(t.memories)),
		Summaries: make(map[string]SummaryRecord, len(t.summaries)),
	}
	for id, c := range t.chapters {
		doc.Chapters[id.String()] = ChapterRecord{ID: id.String(), RootID: c.RootID.String(), Title: c.Title}
	}
	for id, m := range t.memories {
		doc.Memories[id.String()] = MemoryRecord{
			ID:          id.String(),
			RootID:      m.RootID.String(),
			Text:        m.Text,
			Inheritance: string(m.Inheritance),
			CreatedAt:   m.CreatedAt,
		}
	}
	for id, s := range t.summaries {
		doc.Summaries[id.String()] = SummaryRecord{ID: id.String(), RootID: s.RootID.String(), EndID: s.EndID.String(), Text: s.Text}
	}
	return doc
}

func (t *Tree) nodeRecord(n *Node) *NodeRecord {
	rec := &NodeRecord{
		ID:             n.id.String(),
		Text:           n.text,
		Children:       []*NodeRecord{},
		Open:           n.open,
		Tags:           n.Tags(),
		TextAttributes: copyAttributes(n.attributes),
		ChapterID:      n.chapterID.String(),
		Multimedia:     n.Multimedia(),
		Meta:           metaRecord(n.meta),
	}
	if !n.mutable {
		immutable := false
		rec.Mutable = &immutable
	}
	for _, s := range n.zip {
		rec.Zip = append(rec.Zip, ZipSegmentRecord{
			ID:             s.ID.String(),
			Length:         s.Length,
			Mutable:        s.Mutable,
			Open:           s.Open,
			Tags:           append([]string(nil), s.Tags...),
			TextAttributes: copyAttributes(s.Attributes),
			Meta:           *metaRecord(s.Meta),
			ChapterID:      s.ChapterID.String(),
			Multimedia:     append([]Multimedia(nil), s.Multimedia...),
		})
	}
	for _, c := range n.children {
		child, ok := t.nodes[c]
		if !ok || child.pending {
			continue
		}
		rec.Children = append(rec.Children, t.nodeRecord(child))
	}
	return rec
}

func metaRecord(m Meta) *MetaRecord {
	return &MetaRecord{Source: string(m.Source), CreatedAt: m.CreatedAt, Modified: m.Modified}
}

// FromRecord rebuilds a tree from its persisted form. A record with no root,
// a non-UUID id or a duplicated id is rejected as an invariant violation.
func FromRecord(doc *DocumentRecord, opts ...Option) (*Tree, error) {
	t := newEmpty(opts...)
	if err := t.load(doc); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload replaces the tree's contents with doc, clearing every quarantine.
// Observers stay subscribed and receive one "reload" notification.
func (t *Tree) Reload(doc *DocumentRecord) error {
	fresh := newEmpty(WithClock(t.now), WithLogger(t.logger))
	if err := fresh.load(doc); err != nil {
		return err
	}
	return t.Update("reload", func() error {
		for id := range t.nodes {
			if _, kept := fresh.nodes[id]; kept {
				t.batch.edited(id)
			} else {
				t.batch.deleted(id)
			}
		}
		for id := range fresh.nodes {
			if _, existed := t.nodes[id]; !existed {
				t.batch.added(id)
			}
		}
		t.nodes = fresh.nodes
		t.rootID = fresh.rootID
		t.chapters = fresh.chapters
		t.memories = fresh.memories
		t.summaries = fresh.summaries
		t.corrupt = make(map[shared.NodeID]struct{})
		return nil
	})
}

func (t *Tree) load(doc *DocumentRecord) error {
	if doc == nil || doc.Root == nil {
		return pkgerrors.NewInvariantViolation("document has no root node")
	}

	type frame struct {
		rec    *NodeRecord
		parent shared.NodeID
	}
	stack := []frame{{rec: doc.Root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.rec == nil {
			return pkgerrors.NewInvariantViolation("document contains an empty node record")
		}
		n, err := nodeFromRecord(f.rec)
		if err != nil {
			return err
		}
		if _, dup := t.nodes[n.id]; dup {
			return pkgerrors.NewInvariantViolation("duplicate node id in document").WithDetail("id", n.id.String())
		}
		n.parent = f.parent
		t.nodes[n.id] = n
		if f.parent.IsZero() {
			t.rootID = n.id
		}
		for i := len(f.rec.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{rec: f.rec.Children[i], parent: n.id})
		}
		for _, c := range f.rec.Children {
			if c != nil {
				n.children = append(n.children, shared.NodeID(c.ID))
			}
		}
	}

	for key, c := range doc.Chapters {
		id, err := shared.ParseChapterID(firstNonEmpty(c.ID, key))
		if err != nil {
			return pkgerrors.NewInvariantViolation("invalid chapter id").WithCause(err)
		}
		t.chapters[id] = &Chapter{ID: id, RootID: shared.NodeID(c.RootID), Title: c.Title}
	}
	for key, m := range doc.Memories {
		id, err := shared.ParseMemoryID(firstNonEmpty(m.ID, key))
		if err != nil {
			return pkgerrors.NewInvariantViolation("invalid memory id").WithCause(err)
		}
		inheritance := Inheritance(m.Inheritance)
		if inheritance == "" {
			inheritance = InheritSubtree
		}
		t.memories[id] = &Memory{ID: id, RootID: shared.NodeID(m.RootID), Text: m.Text, Inheritance: inheritance, CreatedAt: m.CreatedAt}
	}
	for key, s := range doc.Summaries {
		id, err := shared.ParseSummaryID(firstNonEmpty(s.ID, key))
		if err != nil {
			return pkgerrors.NewInvariantViolation("invalid summary id").WithCause(err)
		}
		t.summaries[id] = &Summary{ID: id, RootID: shared.NodeID(s.RootID), EndID: shared.NodeID(s.EndID), Text: s.Text}
	}
	return nil
}

func nodeFromRecord(rec *NodeRecord) (*Node, error) {
	id, err := shared.ParseNodeID(rec.ID)
	if err != nil {
		return nil, pkgerrors.NewInvariantViolation("invalid node id in document").WithCause(err)
	}
	var meta Meta
	if rec.Meta != nil {
		meta = metaFromRecord(*rec.Meta)
	}
	if meta.Source == "" {
		meta.Source = SourcePrompt
	}
	n := newNode(id, rec.Text, meta.Source, meta.CreatedAt)
	n.meta = meta
	n.mutable = rec.Mutable == nil || *rec.Mutable
	n.open = rec.Open
	n.chapterID = shared.ChapterID(rec.ChapterID)
	for _, tag := range rec.Tags {
		n.tags[tag] = struct{}{}
	}
	for k, v := range rec.TextAttributes {
		n.attributes[k] = v
	}
	n.multimedia = append([]Multimedia(nil), rec.Multimedia...)
	for _, s := range rec.Zip {
		segID, err := shared.ParseNodeID(s.ID)
		if err != nil {
			return nil, pkgerrors.NewInvariantViolation("invalid zip segment id").WithCause(err)
		}
		n.zip = append(n.zip, ZipSegment{
			ID:         segID,
			Length:     s.Length,
			Mutable:    s.Mutable,
			Open:       s.Open,
			Tags:       append([]string(nil), s.Tags...),
			Attributes: copyAttributes(s.TextAttributes),
			Meta:       metaFromRecord(s.Meta),
			ChapterID:  shared.ChapterID(s.ChapterID),
			Multimedia: append([]Multimedia(nil), s.Multimedia...),
		})
	}
	return n, nil
}

func metaFromRecord(m MetaRecord) Meta {
	return Meta{Source: Source(m.Source), CreatedAt: m.CreatedAt, Modified: m.Modified}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
