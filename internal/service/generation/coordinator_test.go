package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loom-backend/internal/domain/events"
	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
	"loom-backend/internal/service/llm"
	"loom-backend/internal/service/session"
	pkgerrors "loom-backend/pkg/errors"
)

type recorderStub struct {
	calls int
	err   error
}

func (r *recorderStub) RecordGeneration(_ string, _ time.Duration, err error) {
	r.calls++
	r.err = err
}

func startSession(t *testing.T, tr *tree.Tree) *session.Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := session.New(tr, zap.NewNop())
	stopped := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return s
}

func testConfig() Config {
	settings := llm.DefaultSettings()
	settings.NumContinuations = 2
	return Config{Defaults: settings, Timeout: 5 * time.Second}
}

func generate(t *testing.T, s *session.Session, c *Coordinator, req Request) *Pending {
	t.Helper()
	var p *Pending
	err := s.Do(context.Background(), func(tr *tree.Tree) error {
		var err error
		p, err = c.Generate(context.Background(), tr, req)
		return err
	})
	require.NoError(t, err)
	return p
}

func children(t *testing.T, s *session.Session, id shared.NodeID) []*tree.Node {
	t.Helper()
	var out []*tree.Node
	require.NoError(t, s.Do(context.Background(), func(tr *tree.Tree) error {
		var err error
		out, err = tr.Children(id)
		return err
	}))
	return out
}

func TestGenerate_AppliesCompletions(t *testing.T) {
	tr := tree.New("Once upon a time")
	rootID := tr.RootID()
	s := startSession(t, tr)

	gen := llm.NewMockGenerator()
	gen.SetResponses(" there was a fox", " a ship sailed")
	rec := &recorderStub{}
	c := NewCoordinator(gen, s, testConfig(), zap.NewNop(), WithRecorder(rec))

	p := generate(t, s, c, Request{NodeID: rootID})
	require.Len(t, p.Placeholders, 2)

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, p.Placeholders, p.Applied())

	kids := children(t, s, rootID)
	require.Len(t, kids, 2)
	assert.Equal(t, " there was a fox", kids[0].Text())
	assert.Equal(t, " a ship sailed", kids[1].Text())
	for _, k := range kids {
		assert.False(t, k.Pending())
		assert.Equal(t, tree.SourceAI, k.Meta().Source)
	}
	assert.Equal(t, []string{"Once upon a time"}, gen.Prompts())
	assert.Equal(t, 1, rec.calls)
	assert.NoError(t, rec.err)
	assert.NoError(t, c.Wait(context.Background()))
}

func TestGenerate_PlaceholdersArePendingUntilApplied(t *testing.T) {
	tr := tree.New("root")
	rootID := tr.RootID()
	s := startSession(t, tr)

	gen := llm.NewMockGenerator()
	gen.SetDelay(50 * time.Millisecond)
	c := NewCoordinator(gen, s, testConfig(), nil)

	p := generate(t, s, c, Request{NodeID: rootID, N: 3})
	kids := children(t, s, rootID)
	require.Len(t, kids, 3)
	for _, k := range kids {
		assert.True(t, k.Pending())
		assert.Equal(t, Sentinel, k.Text())
	}

	err := s.Do(context.Background(), func(tr *tree.Tree) error {
		return tr.UpdateText(p.Placeholders[0], "mine")
	})
	assert.True(t, pkgerrors.IsPendingWrite(err))

	err = s.Do(context.Background(), func(tr *tree.Tree) error {
		assert.Empty(t, tr.ToRecord().Root.Children, "placeholders are not persisted")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Wait(context.Background()))
	for _, k := range children(t, s, rootID) {
		assert.False(t, k.Pending())
	}
}

func TestGenerate_FailureRemovesPlaceholders(t *testing.T) {
	tr := tree.New("root")
	rootID := tr.RootID()
	s := startSession(t, tr)

	gen := llm.NewMockGenerator()
	gen.SetError(errors.New("provider down"))
	rec := &recorderStub{}
	c := NewCoordinator(gen, s, testConfig(), nil, WithRecorder(rec))

	var changes []events.TreeChanged
	require.NoError(t, s.Do(context.Background(), func(tr *tree.Tree) error {
		tr.Subscribe(func(e events.TreeChanged) { changes = append(changes, e) })
		return nil
	}))

	p := generate(t, s, c, Request{NodeID: rootID})
	err := p.Wait(context.Background())
	require.Error(t, err)
	assert.Empty(t, p.Applied())
	assert.Empty(t, children(t, s, rootID))
	assert.Error(t, rec.err)

	require.NoError(t, s.Do(context.Background(), func(*tree.Tree) error { return nil }))
	require.Len(t, changes, 2)
	assert.Len(t, changes[0].Added, 2)
	assert.Empty(t, changes[1].Edited)
	assert.ElementsMatch(t, p.Placeholders, changes[1].Deleted)
}

func TestGenerate_Cancel(t *testing.T) {
	tr := tree.New("root")
	rootID := tr.RootID()
	s := startSession(t, tr)

	gen := llm.NewMockGenerator()
	gen.SetDelay(time.Minute)
	c := NewCoordinator(gen, s, testConfig(), nil)

	p := generate(t, s, c, Request{NodeID: rootID})
	p.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, children(t, s, rootID))
}

func TestGenerate_SurvivesDeletedPlaceholder(t *testing.T) {
	tr := tree.New("root")
	rootID := tr.RootID()
	s := startSession(t, tr)

	gen := llm.NewMockGenerator()
	gen.SetDelay(50 * time.Millisecond)
	gen.SetResponses("one", "two")
	c := NewCoordinator(gen, s, testConfig(), nil)

	p := generate(t, s, c, Request{NodeID: rootID})
	require.NoError(t, s.Do(context.Background(), func(tr *tree.Tree) error {
		return tr.Delete(p.Placeholders[0], false)
	}))

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, []shared.NodeID{p.Placeholders[1]}, p.Applied())
	kids := children(t, s, rootID)
	require.Len(t, kids, 1)
	assert.Equal(t, "two", kids[0].Text())
}

func TestGenerate_RejectsInvalidRequests(t *testing.T) {
	tr := tree.New("root")
	c := NewCoordinator(llm.NewMockGenerator(), nil, testConfig(), nil)

	_, err := c.Generate(context.Background(), tr, Request{NodeID: shared.NewNodeID()})
	assert.True(t, pkgerrors.IsNotFound(err))

	bad := llm.DefaultSettings()
	bad.Temperature = 5
	_, err = c.Generate(context.Background(), tr, Request{NodeID: tr.RootID(), Settings: &bad})
	assert.True(t, pkgerrors.IsValidation(err))

	tmpl := llm.DefaultSettings()
	tmpl.Template = "{unknown}"
	_, err = c.Generate(context.Background(), tr, Request{NodeID: tr.RootID(), Settings: &tmpl})
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Equal(t, 1, tr.Len())
}

func TestGenerate_StoppedSession(t *testing.T) {
	tr := tree.New("root")
	s := session.New(tr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Run(ctx)

	gen := llm.NewMockGenerator()
	c := NewCoordinator(gen, s, testConfig(), nil)
	p, err := c.Generate(context.Background(), tr, Request{NodeID: tr.RootID()})
	require.NoError(t, err)

	err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNotApplied)
}

func TestApply(t *testing.T) {
	tr := tree.New("root")
	var ids []shared.NodeID
	for i := 0; i < 3; i++ {
		id, err := tr.CreateChildWith(tr.RootID(), tree.NodeSpec{Text: Sentinel, Pending: true})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	applied, err := Apply(tr, ids, []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ids[:2], applied)
	_, ok := tr.Lookup(ids[2])
	assert.False(t, ok, "placeholder without a completion is removed")

	// already resolved placeholders are left alone
	applied, err = Apply(tr, ids, []string{"x", "y"}, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)
	n, err := tr.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "a", n.Text())
}

func TestBuildPrompt(t *testing.T) {
	tr := tree.New("The old ")
	child, err := tr.CreateChild(tr.RootID(), "lighthouse")
	require.NoError(t, err)
	_, err = tr.AddMemory(tr.RootID(), "Set on a storm coast.", tree.InheritSubtree)
	require.NoError(t, err)
	_, err = tr.AddChapter(child, "Arrival")
	require.NoError(t, err)

	settings := llm.DefaultSettings()
	settings.PromptLength = 6
	prompt, err := BuildPrompt(tr, child, settings, "")
	require.NoError(t, err)
	assert.Equal(t, "thouse", prompt)

	settings.PromptLength = 0
	settings.Template = "[{chapter}] {memory}\n{prompt}|{node}|{input}"
	prompt, err = BuildPrompt(tr, child, settings, "go")
	require.NoError(t, err)
	assert.Equal(t, "[Arrival] Set on a storm coast.\nThe old lighthouse|lighthouse|go", prompt)
}

func TestTruncateRight(t *testing.T) {
	assert.Equal(t, "abc", TruncateRight("abc", 0))
	assert.Equal(t, "bc", TruncateRight("abc", 2))
	assert.Equal(t, "abc", TruncateRight("abc", 10))
	assert.Equal(t, "éü", TruncateRight("aéü", 2))
}
