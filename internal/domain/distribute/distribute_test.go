package distribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loom-backend/internal/domain/events"
	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

func TestDistribute(t *testing.T) {
	tests := []struct {
		name        string
		texts       []string
		newText     string
		want        []string
		wantChanged []int
	}{
		{
			name:    "no-op",
			texts:   []string{"A", "BC", "D"},
			newText: "ABCD",
			want:    []string{"A", "BC", "D"},
		},
		{
			name:        "replace inside one node",
			texts:       []string{"A", "BC", "D"},
			newText:     "AXYD",
			want:        []string{"A", "XY", "D"},
			wantChanged: []int{1},
		},
		{
			name:        "insert at seam goes to the node starting there",
			texts:       []string{"Hello", " world"},
			newText:     "Hello,, world",
			want:        []string{"Hello", ",, world"},
			wantChanged: []int{1},
		},
		{
			name:        "append clamps to the last node",
			texts:       []string{"one ", "two"},
			newText:     "one two three",
			want:        []string{"one ", "two three"},
			wantChanged: []int{1},
		},
		{
			name:        "deletion across nodes blanks enclosed ones",
			texts:       []string{"aaXX", "bbbb", "YYcc"},
			newText:     "aacc",
			want:        []string{"aa", "", "cc"},
			wantChanged: []int{0, 1, 2},
		},
		{
			name:        "replacement across nodes lands in the start node",
			texts:       []string{"The cat ", "sat on ", "the mat"},
			newText:     "The dog slept on the mat",
			wantChanged: nil,
		},
		{
			name:        "delete everything",
			texts:       []string{"ab", "cd"},
			newText:     "",
			want:        []string{"", ""},
			wantChanged: []int{0, 1},
		},
		{
			name:        "empty middle node is skipped",
			texts:       []string{"A", "", "B"},
			newText:     "AB!",
			want:        []string{"A", "", "B!"},
			wantChanged: []int{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Distribute(tt.texts, tt.newText)
			require.NoError(t, err)

			joined := ""
			for _, s := range res.Texts {
				joined += s
			}
			assert.Equal(t, tt.newText, joined)
			require.Len(t, res.Texts, len(tt.texts))

			if tt.want != nil {
				assert.Equal(t, tt.want, res.Texts)
				assert.Equal(t, tt.wantChanged, res.Changed)
			}
		})
	}
}

func TestDistribute_EmptyAncestry(t *testing.T) {
	_, err := Distribute(nil, "x")
	assert.True(t, pkgerrors.IsInvariantViolation(err))
}

func sampleTree(t *testing.T) (*tree.Tree, shared.NodeID, shared.NodeID) {
	t.Helper()
	tr := tree.New("A")
	c1, err := tr.CreateChild(tr.RootID(), "BC")
	require.NoError(t, err)
	c2, err := tr.CreateChild(c1, "D")
	require.NoError(t, err)
	return tr, c1, c2
}

func TestApply(t *testing.T) {
	tr, c1, c2 := sampleTree(t)
	var got []events.TreeChanged
	tr.Subscribe(func(e events.TreeChanged) { got = append(got, e) })

	d := NewDistributor(zap.NewNop())
	changed, err := d.Apply(tr, c2, "AXYD")
	require.NoError(t, err)
	assert.Equal(t, []shared.NodeID{c1}, changed)

	n1, _ := tr.Get(c1)
	assert.Equal(t, "XY", n1.Text())
	assert.False(t, n1.Meta().Modified)
	assert.Equal(t, "A", tr.Root().Text())
	n2, _ := tr.Get(c2)
	assert.Equal(t, "D", n2.Text())

	text, err := tr.AncestryText(c2)
	require.NoError(t, err)
	assert.Equal(t, "AXYD", text)

	require.Len(t, got, 1)
	assert.Equal(t, "distribute", got[0].Operation)
	assert.Equal(t, []shared.NodeID{c1}, got[0].Edited)
}

func TestApply_Idempotent(t *testing.T) {
	tr, _, c2 := sampleTree(t)
	calls := 0
	tr.Subscribe(func(events.TreeChanged) { calls++ })

	text, err := tr.AncestryText(c2)
	require.NoError(t, err)
	changed, err := NewDistributor(nil).Apply(tr, c2, text)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Zero(t, calls)
}

func TestApply_PendingNodeIsRefusedWithoutPartialWrites(t *testing.T) {
	tr := tree.New("A")
	p, err := tr.CreateChild(tr.RootID(), "B")
	require.NoError(t, err)
	leaf, err := tr.CreateChildWith(p, tree.NodeSpec{Text: "⏳ generating", Pending: true})
	require.NoError(t, err)

	_, err = NewDistributor(nil).Apply(tr, leaf, "xB⏳ generating!")
	assert.True(t, pkgerrors.IsPendingWrite(err))
	assert.Equal(t, "A", tr.Root().Text())
}

func TestApplyFromView_Stale(t *testing.T) {
	tr, _, c2 := sampleTree(t)
	d := NewDistributor(nil)

	_, err := d.ApplyFromView(tr, c2, "ABXD", "AXYD")
	assert.True(t, pkgerrors.IsInvariantViolation(err))

	changed, err := d.ApplyFromView(tr, c2, "ABCD", "AXYD")
	require.NoError(t, err)
	assert.Len(t, changed, 1)
}
