package tree

import (
	"sort"
	"time"

	"loom-backend/internal/domain/shared"
)

// Source records where a node's text came from.
type Source string

const (
	SourcePrompt Source = "prompt"
	SourceAI     Source = "AI"
	SourceMixed  Source = "mixed"
)

// Meta contains provenance information for a node.
type Meta struct {
	Source    Source
	CreatedAt time.Time
	Modified  bool
}

// Multimedia is a file attached to a node.
type Multimedia struct {
	File    string `json:"file" yaml:"file"`
	Caption string `json:"caption" yaml:"caption"`
}

// ZipSegment describes one original node folded into a compound node.
// Segments are stored in chain order (top first); the last segment is the
// compound node itself.
type ZipSegment struct {
	ID         shared.NodeID
	Length     int
	Mutable    bool
	Open       bool
	Tags       []string
	Attributes map[string]string
	Meta       Meta
	ChapterID  shared.ChapterID
	Multimedia []Multimedia
}

// Node is a single unit of text in the document tree. Nodes are owned by a
// Tree; the accessors here are read-only and every mutation goes through the
// owning Tree so that invariants and change notifications hold.
type Node struct {
	id         shared.NodeID
	text       string
	parent     shared.NodeID
	children   []shared.NodeID
	mutable    bool
	open       bool
	tags       map[string]struct{}
	attributes map[string]string
	meta       Meta
	chapterID  shared.ChapterID
	multimedia []Multimedia
	zip        []ZipSegment
	pending    bool
}

func newNode(id shared.NodeID, text string, source Source, now time.Time) *Node {
	return &Node{
		id:         id,
		text:       text,
		mutable:    true,
		tags:       make(map[string]struct{}),
		attributes: make(map[string]string),
		meta:       Meta{Source: source, CreatedAt: now},
	}
}

// ID returns the node's unique identifier
func (n *Node) ID() shared.NodeID { return n.id }

// Text returns the node's own text (not its ancestry)
func (n *Node) Text() string { return n.text }

// Parent returns the parent id, zero for the root
func (n *Node) Parent() shared.NodeID { return n.parent }

// IsRoot reports whether the node has no parent
func (n *Node) IsRoot() bool { return n.parent.IsZero() }

// Children returns a copy of the ordered child ids
func (n *Node) Children() []shared.NodeID {
	out := make([]shared.NodeID, len(n.children))
	copy(out, n.children)
	return out
}

// ChildCount returns the number of children
func (n *Node) ChildCount() int { return len(n.children) }

// IsLeaf reports whether the node has no children
func (n *Node) IsLeaf() bool { return len(n.children) == 0 }

// Mutable reports whether structural edits may target this node
func (n *Node) Mutable() bool { return n.mutable }

// Open reports the node's expanded state
func (n *Node) Open() bool { return n.open }

// Meta returns provenance metadata
func (n *Node) Meta() Meta { return n.meta }

// ChapterID returns the chapter rooted at this node, if any
func (n *Node) ChapterID() shared.ChapterID { return n.chapterID }

// Pending reports whether a generation result is still owed to this node
func (n *Node) Pending() bool { return n.pending }

// IsCompound reports whether the node was produced by zipping a chain
func (n *Node) IsCompound() bool { return len(n.zip) > 0 }

// HasTag reports whether the node carries the tag
func (n *Node) HasTag(tag string) bool {
	_, ok := n.tags[tag]
	return ok
}

// Tags returns the node's tags in sorted order
func (n *Node) Tags() []string {
	tags := make([]string, 0, len(n.tags))
	for t := range n.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Attribute returns a single text attribute
func (n *Node) Attribute(key string) (string, bool) {
	v, ok := n.attributes[key]
	return v, ok
}

// Attributes returns a copy of the text attributes
func (n *Node) Attributes() map[string]string {
	return copyAttributes(n.attributes)
}

// Multimedia returns a copy of the attached media
func (n *Node) Multimedia() []Multimedia {
	out := make([]Multimedia, len(n.multimedia))
	copy(out, n.multimedia)
	return out
}

// ZipSegments returns a copy of the compound segments, nil for plain nodes
func (n *Node) ZipSegments() []ZipSegment {
	if len(n.zip) == 0 {
		return nil
	}
	out := make([]ZipSegment, len(n.zip))
	for i, s := range n.zip {
		out[i] = s.clone()
	}
	return out
}

// Segment captures the node as a zip segment
func (n *Node) Segment() ZipSegment {
	return ZipSegment{
		ID:         n.id,
		Length:     len(n.text),
		Mutable:    n.mutable,
		Open:       n.open,
		Tags:       n.Tags(),
		Attributes: copyAttributes(n.attributes),
		Meta:       n.meta,
		ChapterID:  n.chapterID,
		Multimedia: n.Multimedia(),
	}
}

func (s ZipSegment) clone() ZipSegment {
	c := s
	c.Tags = append([]string(nil), s.Tags...)
	c.Attributes = copyAttributes(s.Attributes)
	c.Multimedia = append([]Multimedia(nil), s.Multimedia...)
	return c
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func indexOf(ids []shared.NodeID, id shared.NodeID) int {
	for i, c := range ids {
		if c == id {
			return i
		}
	}
	return -1
}
