// Package textdiff computes deterministic character-level diffs between two
// versions of a text.
package textdiff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	pkgerrors "loom-backend/pkg/errors"
)

// Kind is the type of a diff span.
type Kind int

const (
	Equal Kind = iota
	Insert
	Delete
)

func (k Kind) String() string {
	switch k {
	case Equal:
		return "equal"
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// Span is one positioned piece of a diff. OldStart and NewStart are byte
// offsets into the old and new text at which the span begins; they always fall
// on rune boundaries.
type Span struct {
	Kind     Kind
	Text     string
	OldStart int
	NewStart int
}

// OldEnd is the byte offset in the old text just past the span.
func (s Span) OldEnd() int {
	if s.Kind == Insert {
		return s.OldStart
	}
	return s.OldStart + len(s.Text)
}

// Diff returns the ordered spans turning old into new. Equal and Delete spans
// concatenate to old; Equal and Insert spans concatenate to new.
func Diff(old, new string) ([]Span, error) {
	if old == new {
		if old == "" {
			return nil, nil
		}
		return []Span{{Kind: Equal, Text: old}}, nil
	}

	dmp := diffmatchpatch.New()
	// No deadline keeps the output a pure function of its inputs.
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMain(old, new, true)

	spans := make([]Span, 0, len(diffs))
	oldPos, newPos := 0, 0
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		s := Span{Text: d.Text, OldStart: oldPos, NewStart: newPos}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			s.Kind = Equal
			oldPos += len(d.Text)
			newPos += len(d.Text)
		case diffmatchpatch.DiffInsert:
			s.Kind = Insert
			newPos += len(d.Text)
		case diffmatchpatch.DiffDelete:
			s.Kind = Delete
			oldPos += len(d.Text)
		}
		spans = append(spans, s)
	}

	if err := verify(spans, old, new); err != nil {
		return nil, err
	}
	return spans, nil
}

// verify checks that the spans reproduce both texts exactly.
func verify(spans []Span, old, new string) error {
	var before, after strings.Builder
	for _, s := range spans {
		if s.Kind != Insert {
			before.WriteString(s.Text)
		}
		if s.Kind != Delete {
			after.WriteString(s.Text)
		}
	}
	if before.String() != old || after.String() != new {
		return pkgerrors.NewInvariantViolation("diff does not reproduce its inputs")
	}
	return nil
}

// Hunk is a maximal run of non-equal spans: Deleted is removed from the old
// text at [Start, Start+len(Deleted)) and Inserted takes its place.
type Hunk struct {
	Start    int
	Deleted  string
	Inserted string
}

// End is the byte offset in the old text just past the deletion.
func (h Hunk) End() int { return h.Start + len(h.Deleted) }

// Hunks groups consecutive non-equal spans into replacement hunks.
func Hunks(spans []Span) []Hunk {
	var hunks []Hunk
	var cur *Hunk
	for _, s := range spans {
		if s.Kind == Equal {
			cur = nil
			continue
		}
		if cur == nil {
			hunks = append(hunks, Hunk{Start: s.OldStart})
			cur = &hunks[len(hunks)-1]
		}
		if s.Kind == Delete {
			cur.Deleted += s.Text
		} else {
			cur.Inserted += s.Text
		}
	}
	return hunks
}
