package multiverse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loom-backend/internal/service/llm"
	pkgerrors "loom-backend/pkg/errors"
)

func catGenerator() *llm.MockGenerator {
	gen := llm.NewMockGenerator()
	gen.SetDistribution("The cat", map[string]float64{" is": 0.6, " sat": 0.3, " ran": 0.1})
	return gen
}

func TestExpand_KeepsGroundTruthBelowThreshold(t *testing.T) {
	e := NewExplorer(catGenerator(), DefaultConfig(), zap.NewNop())

	branches, err := e.Expand(context.Background(), Request{
		Prompt:      "The cat",
		GroundTruth: " sat",
		MaxDepth:    1,
		Amplitude:   1,
		Threshold:   0.5,
	})
	require.NoError(t, err)
	require.Len(t, branches, 3)

	sat, ok := Find(branches, " sat")
	require.True(t, ok)
	assert.True(t, sat.GroundTruth)
	assert.InDelta(t, 0.3, sat.NormalizedProb, 1e-9)
	assert.Empty(t, sat.Children)

	assert.Equal(t, " is", branches[0].Token, "sorted by probability")
	assert.False(t, branches[0].GroundTruth)
}

func TestExpand_Recursion(t *testing.T) {
	gen := catGenerator()
	e := NewExplorer(gen, DefaultConfig(), nil)

	branches, err := e.Expand(context.Background(), Request{
		Prompt:      "The cat",
		GroundTruth: " sat",
		MaxDepth:    2,
		Amplitude:   2,
		Threshold:   0.5,
	})
	require.NoError(t, err)

	is, ok := Find(branches, " is")
	require.True(t, ok)
	assert.InDelta(t, 1.2, is.UnnormalizedProb, 1e-9)
	require.Len(t, is.Children, 4)
	the, ok := Find(branches, " is", " the")
	require.True(t, ok)
	assert.InDelta(t, 0.4, the.NormalizedProb, 1e-9)
	assert.InDelta(t, 0.48, the.UnnormalizedProb, 1e-9)
	assert.Empty(t, the.Children, "depth exhausted")

	// 0.3 * 2 = 0.6 clears the threshold too
	sat, ok := Find(branches, " sat")
	require.True(t, ok)
	assert.Len(t, sat.Children, 4)

	ran, ok := Find(branches, " ran")
	require.True(t, ok)
	assert.Empty(t, ran.Children, "pruned below threshold")

	// root, " is", " sat"
	assert.Len(t, gen.Prompts(), 3)
	assert.Equal(t, 3+4+4, Count(branches))
}

func TestExpand_SyntheticGroundTruth(t *testing.T) {
	e := NewExplorer(catGenerator(), DefaultConfig(), nil)

	branches, err := e.Expand(context.Background(), Request{
		Prompt:      "The cat",
		GroundTruth: " purred loudly",
		MaxDepth:    2,
		Amplitude:   1,
		Threshold:   0.9,
	})
	require.NoError(t, err)

	purred, ok := Find(branches, " purred")
	require.True(t, ok)
	assert.True(t, purred.GroundTruth)
	assert.Zero(t, purred.NormalizedProb)
	assert.Equal(t, " purred", branches[len(branches)-1].Token)

	loudly, ok := Find(branches, " purred", " loudly")
	require.True(t, ok)
	assert.True(t, loudly.GroundTruth)
}

func TestExpand_LongestGroundTruthToken(t *testing.T) {
	gen := llm.NewMockGenerator()
	gen.SetDistribution("x", map[string]float64{" s": 0.5, " sat": 0.2, " q": 0.3})
	e := NewExplorer(gen, DefaultConfig(), nil)

	branches, err := e.Expand(context.Background(), Request{Prompt: "x", GroundTruth: " sat", MaxDepth: 1, Amplitude: 1, Threshold: 1})
	require.NoError(t, err)

	var truths []string
	for _, b := range branches {
		if b.GroundTruth {
			truths = append(truths, b.Token)
		}
	}
	assert.Equal(t, []string{" sat"}, truths)
}

func TestExpand_ZeroDepth(t *testing.T) {
	gen := catGenerator()
	e := NewExplorer(gen, DefaultConfig(), nil)

	branches, err := e.Expand(context.Background(), Request{Prompt: "The cat", Amplitude: 1})
	require.NoError(t, err)
	assert.Empty(t, branches)
	assert.Empty(t, gen.Prompts())
}

func TestExpand_Errors(t *testing.T) {
	gen := catGenerator()
	e := NewExplorer(gen, DefaultConfig(), nil)

	_, err := e.Expand(context.Background(), Request{Prompt: "x", MaxDepth: 1, Amplitude: 0})
	assert.True(t, pkgerrors.IsValidation(err))

	boom := errors.New("boom")
	gen.SetError(boom)
	_, err = e.Expand(context.Background(), Request{Prompt: "x", MaxDepth: 2, Amplitude: 1})
	assert.ErrorIs(t, err, boom)
}

func TestNextWord(t *testing.T) {
	assert.Equal(t, " purred", nextWord(" purred loudly"))
	assert.Equal(t, "word", nextWord("word"))
	assert.Equal(t, "\n\nNext", nextWord("\n\nNext line"))
	assert.Equal(t, "", nextWord(""))
}
