package tree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom-backend/internal/domain/shared"
	pkgerrors "loom-backend/pkg/errors"
)

func TestRecordRoundTrip(t *testing.T) {
	tr, c1, c2 := sample(t)
	require.NoError(t, tr.SetMutable(c1, false))
	require.NoError(t, tr.AddTag(c2, "bookmark"))
	require.NoError(t, tr.SetAttribute(c2, "color", "red"))
	chapter, err := tr.AddChapter(c1, "Part One")
	require.NoError(t, err)
	memory, err := tr.AddMemory(tr.RootID(), "the cat is grey", InheritSubtree)
	require.NoError(t, err)
	_, err = tr.AddSummary(tr.RootID(), c1, "a beginning")
	require.NoError(t, err)
	_, err = tr.CreateChildWith(c2, NodeSpec{Text: "⏳ generating", Pending: true})
	require.NoError(t, err)

	raw, err := json.Marshal(tr.ToRecord())
	require.NoError(t, err)
	var doc DocumentRecord
	require.NoError(t, json.Unmarshal(raw, &doc))

	loaded, err := FromRecord(&doc)
	require.NoError(t, err)

	assert.Equal(t, tr.Len()-1, loaded.Len(), "pending placeholder is not persisted")
	text, err := loaded.AncestryText(c2)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", text)

	n1, err := loaded.Get(c1)
	require.NoError(t, err)
	assert.False(t, n1.Mutable())
	n2, err := loaded.Get(c2)
	require.NoError(t, err)
	assert.True(t, n2.HasTag("bookmark"))
	assert.True(t, n2.IsLeaf())

	ch, ok, err := loaded.ChapterOf(c2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chapter, ch.ID)

	mems, err := loaded.MemoriesFor(c2)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, memory, mems[0].ID)

	sums, err := loaded.SummariesFor(c2)
	require.NoError(t, err)
	assert.Len(t, sums, 1)
}

func TestFromRecord_Invalid(t *testing.T) {
	id := shared.NewNodeID().String()

	tests := []struct {
		name string
		doc  *DocumentRecord
	}{
		{name: "nil document", doc: nil},
		{name: "no root", doc: &DocumentRecord{}},
		{name: "non uuid id", doc: &DocumentRecord{Root: &NodeRecord{ID: "node-1"}}},
		{
			name: "duplicate id",
			doc: &DocumentRecord{Root: &NodeRecord{
				ID:       id,
				Children: []*NodeRecord{{ID: id}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromRecord(tt.doc)
			assert.True(t, pkgerrors.IsInvariantViolation(err))
		})
	}
}

func TestFromRecord_DefaultsMutable(t *testing.T) {
	doc := &DocumentRecord{Root: &NodeRecord{ID: shared.NewNodeID().String(), Text: "x"}}
	tr, err := FromRecord(doc)
	require.NoError(t, err)
	assert.True(t, tr.Root().Mutable())
	assert.Equal(t, SourcePrompt, tr.Root().Meta().Source)
}

func TestReload_EmitsSingleEvent(t *testing.T) {
	tr, _, c2 := sample(t)
	doc := tr.ToRecord()
	extra, err := tr.CreateChild(c2, "extra")
	require.NoError(t, err)

	got := recordEvents(tr)
	require.NoError(t, tr.Reload(doc))

	require.Len(t, *got, 1)
	assert.Equal(t, "reload", (*got)[0].Operation)
	assert.Equal(t, []shared.NodeID{extra}, (*got)[0].Deleted)
	_, ok := tr.Lookup(extra)
	assert.False(t, ok)
}

func TestRecords_WeakReferences(t *testing.T) {
	tr, c1, c2 := sample(t)
	_, err := tr.AddMemory(c1, "node only", InheritNode)
	require.NoError(t, err)
	_, err = tr.AddMemory(c1, "inherited", InheritSubtree)
	require.NoError(t, err)

	mems, err := tr.MemoriesFor(c2)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "inherited", mems[0].Text)

	mems, err = tr.MemoriesFor(c1)
	require.NoError(t, err)
	assert.Len(t, mems, 2)

	require.NoError(t, tr.Delete(c1, true))
	mems, err = tr.MemoriesFor(c2)
	require.NoError(t, err)
	assert.Empty(t, mems)
	assert.Len(t, tr.Memories(), 2, "orphaned memories are kept")

	_, err = tr.AddSummary(c2, tr.RootID(), "backwards")
	assert.True(t, pkgerrors.IsInvalidOperation(err))

	_, err = tr.AddChapter(c2, "  ")
	assert.True(t, pkgerrors.IsValidation(err))
}
