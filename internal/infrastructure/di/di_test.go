package di

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loom-backend/internal/config"
	"loom-backend/internal/infrastructure/persistence"
	"loom-backend/internal/service/llm"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(config.Test)
	cfg.Storage.Dir = t.TempDir()
	cfg.Document.RootText = "Once"
	cfg.Logging.Level = "error"
	return cfg
}

func TestInitializeContainer(t *testing.T) {
	cfg := testConfig(t)
	c, cleanup, err := InitializeContainer(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	assert.Same(t, cfg, c.Config)
	assert.NotNil(t, c.Metrics)
	assert.Nil(t, c.Events)
	assert.IsType(t, &persistence.FileStore{}, c.Store)
	assert.IsType(t, &llm.MockGenerator{}, c.Generator)
}

func TestOpenDocument_PersistsAcrossContainers(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	c, cleanup, err := InitializeContainer(ctx, cfg)
	require.NoError(t, err)
	svc, err := c.OpenDocument(ctx, "story")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = svc.Run(runCtx) }()

	root, err := svc.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Once", root.Text)
	_, err = svc.CreateChild(ctx, root.ID, " upon a time")
	require.NoError(t, err)
	require.NoError(t, svc.Save(ctx))
	cancel()
	<-svc.Done()
	cleanup()

	c, cleanup, err = InitializeContainer(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()
	svc, err = c.OpenDocument(ctx, "story")
	require.NoError(t, err)
	runCtx, cancel = context.WithCancel(ctx)
	defer cancel()
	go func() { _ = svc.Run(runCtx) }()

	children, err := svc.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, " upon a time", children[0].Text)
}

func TestOpenDocument_NewDocumentKeepsRootID(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	c, cleanup, err := InitializeContainer(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()

	rootOf := func() string {
		svc, err := c.OpenDocument(ctx, "fresh")
		require.NoError(t, err)
		runCtx, cancel := context.WithCancel(ctx)
		defer func() {
			cancel()
			<-svc.Done()
		}()
		go func() { _ = svc.Run(runCtx) }()
		root, err := svc.Root(ctx)
		require.NoError(t, err)
		return root.ID.String()
	}

	assert.Equal(t, rootOf(), rootOf())
}

func TestProvideGenerator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Provider = "openai"

	_, err := ProvideGenerator(cfg, zap.NewNop())
	assert.Error(t, err, "missing api key")

	cfg.Generation.APIKey = "sk-test"
	gen, err := ProvideGenerator(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &llm.ResilientGenerator{}, gen)
	assert.Equal(t, "openai", gen.Name())
}

func TestProvideEventSink_Enabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Enabled = true
	cfg.Events.EventBusName = "loom-test"

	sink, cleanup, err := ProvideEventSink(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, sink)
	cleanup()

	select {
	case <-sink.Done():
	default:
		t.Fatal("sink still running after cleanup")
	}
}
