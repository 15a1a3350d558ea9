package document

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loom-backend/internal/domain/events"
	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
	"loom-backend/internal/service/generation"
	"loom-backend/internal/service/llm"
	"loom-backend/internal/service/multiverse"
	pkgerrors "loom-backend/pkg/errors"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string]*tree.DocumentRecord
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*tree.DocumentRecord)}
}

func (m *memStore) Save(_ context.Context, docID string, doc *tree.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = doc
	return nil
}

func (m *memStore) Load(_ context.Context, docID string) (*tree.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("document", docID)
	}
	return doc, nil
}

type metricsStub struct {
	mu           sync.Mutex
	changes      []events.TreeChanged
	generations  int
	distributed  []int
	errorsByType map[pkgerrors.ErrorType]int
}

func (m *metricsStub) ObserveTreeChange(evt events.TreeChanged) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, evt)
}

func (m *metricsStub) RecordGeneration(string, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations++
}

func (m *metricsStub) RecordDistribution(changed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributed = append(m.distributed, changed)
}

func (m *metricsStub) RecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errorsByType == nil {
		m.errorsByType = make(map[pkgerrors.ErrorType]int)
	}
	if appErr := pkgerrors.GetAppError(err); appErr != nil {
		m.errorsByType[appErr.Type]++
	}
}

type fixture struct {
	svc     *Service
	gen     *llm.MockGenerator
	store   *memStore
	metrics *metricsStub
	rootID  shared.NodeID
	stop    func()
}

func start(t *testing.T, rootText string) *fixture {
	t.Helper()
	f := &fixture{
		gen:     llm.NewMockGenerator(),
		store:   newMemStore(),
		metrics: &metricsStub{},
	}
	tr := tree.New(rootText)
	f.rootID = tr.RootID()
	f.svc = New("story", tr, Dependencies{
		Generator:  f.gen,
		Store:      f.store,
		Metrics:    f.metrics,
		Generation: generation.Config{Defaults: llm.DefaultSettings(), Timeout: 5 * time.Second},
		Multiverse: multiverse.Config{TopK: 5, Concurrency: 2},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = f.svc.Run(ctx)
		close(stopped)
	}()
	var once sync.Once
	f.stop = func() {
		once.Do(func() {
			cancel()
			<-stopped
		})
	}
	t.Cleanup(f.stop)
	return f
}

func TestService_StructuralCommands(t *testing.T) {
	f := start(t, "Once")
	ctx := context.Background()

	a, err := f.svc.CreateChild(ctx, f.rootID, " upon")
	require.NoError(t, err)
	b, err := f.svc.CreateChild(ctx, a, " a time")
	require.NoError(t, err)

	anc, err := f.svc.Ancestry(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", anc.Text)
	assert.Equal(t, []int{4, 9, 16}, anc.Offsets)
	require.Len(t, anc.Nodes, 3)
	assert.Equal(t, f.rootID, anc.Nodes[0].ID)

	upper, err := f.svc.Split(ctx, b, 2)
	require.NoError(t, err)
	n, err := f.svc.Node(ctx, upper)
	require.NoError(t, err)
	assert.Equal(t, " a", n.Text)
	n, err = f.svc.Node(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, " time", n.Text)
	assert.Equal(t, upper, n.ParentID)

	err = f.svc.Reparent(ctx, a, b)
	assert.True(t, pkgerrors.IsCycle(err))

	sibling, err := f.svc.CreateSibling(ctx, a)
	require.NoError(t, err)
	require.NoError(t, f.svc.Shift(ctx, sibling, -1))
	children, err := f.svc.Children(ctx, f.rootID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, sibling, children[0].ID)

	require.NoError(t, f.svc.Delete(ctx, sibling, false))
	_, err = f.svc.Node(ctx, sibling)
	assert.True(t, pkgerrors.IsNotFound(err))

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.NotEmpty(t, f.metrics.changes)
	assert.Equal(t, 1, f.metrics.errorsByType[pkgerrors.ErrorTypeCycle])
	assert.Equal(t, 1, f.metrics.errorsByType[pkgerrors.ErrorTypeNotFound])
}

func TestService_ZipUnzip(t *testing.T) {
	f := start(t, "A")
	ctx := context.Background()
	b, err := f.svc.CreateChild(ctx, f.rootID, "B")
	require.NoError(t, err)
	c, err := f.svc.CreateChild(ctx, b, "C")
	require.NoError(t, err)

	compound, err := f.svc.Zip(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, c, compound)
	n, err := f.svc.Node(ctx, compound)
	require.NoError(t, err)
	assert.True(t, n.Compound)
	assert.Equal(t, "BC", n.Text)

	restored, err := f.svc.Unzip(ctx, compound)
	require.NoError(t, err)
	assert.Equal(t, []shared.NodeID{b, c}, restored)

	anc, err := f.svc.Ancestry(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "ABC", anc.Text)
}

func TestService_Edit(t *testing.T) {
	f := start(t, "Hello")
	ctx := context.Background()
	leaf, err := f.svc.CreateChild(ctx, f.rootID, " world")
	require.NoError(t, err)

	changed, err := f.svc.Edit(ctx, EditRequest{LeafID: leaf, Text: "Hello brave new world"})
	require.NoError(t, err)
	assert.NotEmpty(t, changed)

	anc, err := f.svc.Ancestry(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, "Hello brave new world", anc.Text)

	stale := "Hello world"
	_, err = f.svc.Edit(ctx, EditRequest{LeafID: leaf, Text: "Goodbye", BaseText: &stale})
	assert.True(t, pkgerrors.IsInvariantViolation(err))

	base := anc.Text
	_, err = f.svc.Edit(ctx, EditRequest{LeafID: leaf, Text: "Hello brave world", BaseText: &base})
	require.NoError(t, err)

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Len(t, f.metrics.distributed, 2)
}

func TestService_GenerateAndWait(t *testing.T) {
	f := start(t, "Once upon a time")
	f.gen.SetResponses(" there was a fox.", " nothing happened.")
	ctx := context.Background()

	applied, err := f.svc.GenerateAndWait(ctx, generation.Request{NodeID: f.rootID, N: 2})
	require.NoError(t, err)
	require.Len(t, applied, 2)

	children, err := f.svc.Children(ctx, f.rootID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, " there was a fox.", children[0].Text)
	assert.Equal(t, " nothing happened.", children[1].Text)
	assert.Equal(t, tree.SourceAI, children[0].Source)
	assert.False(t, children[0].Pending)
	assert.Equal(t, []string{"Once upon a time"}, f.gen.Prompts())
}

func TestService_GenerateFailure(t *testing.T) {
	f := start(t, "Once")
	f.gen.SetError(pkgerrors.NewGeneratorError("mock", assert.AnError))
	ctx := context.Background()

	_, err := f.svc.GenerateAndWait(ctx, generation.Request{NodeID: f.rootID, N: 3})
	assert.True(t, pkgerrors.IsGenerator(err))

	children, err := f.svc.Children(ctx, f.rootID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestService_SaveIsNotAffectedByPendingGenerations(t *testing.T) {
	f := start(t, "Once")
	f.gen.SetDelay(200 * time.Millisecond)
	ctx := context.Background()

	p, err := f.svc.Generate(ctx, generation.Request{NodeID: f.rootID, N: 2})
	require.NoError(t, err)
	require.Len(t, p.Placeholders, 2)

	err = f.svc.UpdateText(ctx, p.Placeholders[0], "mine")
	assert.True(t, pkgerrors.IsPendingWrite(err))

	require.NoError(t, f.svc.Save(ctx))
	assert.Empty(t, f.store.docs["story"].Root.Children)

	require.NoError(t, f.svc.WaitIdle(ctx))
	children, err := f.svc.Children(ctx, f.rootID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestService_SaveReload(t *testing.T) {
	f := start(t, "Root")
	ctx := context.Background()

	child, err := f.svc.CreateChild(ctx, f.rootID, " kept")
	require.NoError(t, err)
	_, err = f.svc.AddChapter(ctx, child, "One")
	require.NoError(t, err)
	require.NoError(t, f.svc.Save(ctx))

	extra, err := f.svc.CreateChild(ctx, child, " dropped")
	require.NoError(t, err)
	require.NoError(t, f.svc.Reload(ctx))

	_, err = f.svc.Node(ctx, extra)
	assert.True(t, pkgerrors.IsNotFound(err))
	anc, err := f.svc.Ancestry(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "Root kept", anc.Text)
	assert.Equal(t, "One", anc.Chapter)

	chapters, err := f.svc.Chapters(ctx)
	require.NoError(t, err)
	assert.Len(t, chapters, 1)
}

func TestService_ChaptersAndMemories(t *testing.T) {
	f := start(t, "Root")
	ctx := context.Background()
	child, err := f.svc.CreateChild(ctx, f.rootID, " child")
	require.NoError(t, err)

	mem, err := f.svc.AddMemory(ctx, f.rootID, "the sky is green", tree.InheritSubtree)
	require.NoError(t, err)
	_, err = f.svc.AddMemory(ctx, f.rootID, "root only", tree.InheritNode)
	require.NoError(t, err)

	visible, err := f.svc.Memories(ctx, child)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, mem, visible[0].ID)

	require.NoError(t, f.svc.RemoveMemory(ctx, mem))
	visible, err = f.svc.Memories(ctx, child)
	require.NoError(t, err)
	assert.Empty(t, visible)

	chapter, err := f.svc.AddChapter(ctx, child, "Two")
	require.NoError(t, err)
	require.NoError(t, f.svc.RemoveChapter(ctx, chapter))
	err = f.svc.RemoveChapter(ctx, chapter)
	assert.True(t, pkgerrors.IsNotFound(err))

	_, err = f.svc.AddSummary(ctx, f.rootID, child, "a root and a child")
	require.NoError(t, err)
}

func TestService_Navigation(t *testing.T) {
	f := start(t, "R")
	ctx := context.Background()
	a, err := f.svc.CreateChild(ctx, f.rootID, "a")
	require.NoError(t, err)
	b, err := f.svc.CreateChild(ctx, f.rootID, "b")
	require.NoError(t, err)

	next, err := f.svc.Navigate(ctx, f.rootID, Next)
	require.NoError(t, err)
	assert.Equal(t, a, next)

	require.NoError(t, f.svc.Tag(ctx, a, ArchivedTag, true))
	next, err = f.svc.Navigate(ctx, f.rootID, Next)
	require.NoError(t, err)
	assert.Equal(t, b, next)

	prev, err := f.svc.Navigate(ctx, b, Prev)
	require.NoError(t, err)
	assert.Equal(t, f.rootID, prev)

	walked, err := f.svc.Walk(ctx, f.rootID, tree.TransitionUniform)
	require.NoError(t, err)
	assert.Equal(t, b, walked)
}

func TestService_Multiverse(t *testing.T) {
	f := start(t, "The cat")
	f.gen.SetDistribution("The cat", map[string]float64{" sat": 0.6, " ran": 0.4})
	ctx := context.Background()

	branches, err := f.svc.Multiverse(ctx, MultiverseRequest{
		NodeID:      f.rootID,
		GroundTruth: " sat down",
		MaxDepth:    1,
	})
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, " sat", branches[0].Token)
	assert.True(t, branches[0].GroundTruth)
	assert.InDelta(t, 0.6, branches[0].NormalizedProb, 1e-9)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	fresh, err := Open(ctx, store, "story", "Begin")
	require.NoError(t, err)
	assert.Equal(t, "Begin", fresh.Root().Text())

	again, err := Open(ctx, store, "story", "Begin")
	require.NoError(t, err)
	assert.Equal(t, fresh.RootID(), again.RootID(), "a new document is stored on first open")

	_, err = fresh.CreateChild(fresh.RootID(), " more")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "story", fresh.ToRecord()))

	loaded, err := Open(ctx, store, "story", "ignored")
	require.NoError(t, err)
	assert.Equal(t, fresh.RootID(), loaded.RootID())
	assert.Equal(t, 2, loaded.Len())
}

func TestService_Stopped(t *testing.T) {
	f := start(t, "Root")
	f.stop()

	_, err := f.svc.Root(context.Background())
	assert.True(t, pkgerrors.IsInvalidOperation(err))
}

func TestService_SetDefaults(t *testing.T) {
	f := start(t, "Once")
	ctx := context.Background()

	settings := llm.DefaultSettings()
	settings.NumContinuations = 3
	require.NoError(t, f.svc.SetDefaults(ctx, settings))

	applied, err := f.svc.GenerateAndWait(ctx, generation.Request{NodeID: f.rootID})
	require.NoError(t, err)
	assert.Len(t, applied, 3)

	settings.TopP = 0
	assert.True(t, pkgerrors.IsValidation(f.svc.SetDefaults(ctx, settings)))
}
