package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeID(t *testing.T) {
	id := NewNodeID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, NewNodeID())

	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	assert.True(t, NodeID("").IsZero())
}

func TestParseIDs_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		parse func(string) error
	}{
		{"node", func(s string) error { _, err := ParseNodeID(s); return err }},
		{"chapter", func(s string) error { _, err := ParseChapterID(s); return err }},
		{"memory", func(s string) error { _, err := ParseMemoryID(s); return err }},
		{"summary", func(s string) error { _, err := ParseSummaryID(s); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.parse("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "cannot be empty")

			err = tt.parse("not-a-uuid")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.name+" ID must be a valid UUID")
		})
	}
}

func TestParseIDs_RoundTrip(t *testing.T) {
	c := NewChapterID()
	pc, err := ParseChapterID(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, pc)

	m := NewMemoryID()
	pm, err := ParseMemoryID(m.String())
	require.NoError(t, err)
	assert.Equal(t, m, pm)

	s := NewSummaryID()
	ps, err := ParseSummaryID(s.String())
	require.NoError(t, err)
	assert.Equal(t, s, ps)
}
