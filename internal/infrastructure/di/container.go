package di

import (
	"context"

	"go.uber.org/zap"

	"loom-backend/internal/config"
	"loom-backend/internal/domain/tree"
	"loom-backend/internal/infrastructure/messaging"
	"loom-backend/internal/infrastructure/observability"
	"loom-backend/internal/service/document"
	"loom-backend/internal/service/generation"
	"loom-backend/internal/service/llm"
)

// Container holds all application dependencies
type Container struct {
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *observability.Collector
	ShutdownTracer observability.ShutdownFunc
	Store          document.Store
	Generator      llm.Generator
	Events         *messaging.Sink
}

// OpenDocument loads docID (or starts it from the configured root text) and
// builds the service owning it. The caller runs the service.
func (c *Container) OpenDocument(ctx context.Context, docID string) (*document.Service, error) {
	if docID == "" {
		docID = c.Config.Document.ID
	}
	t, err := document.Open(ctx, c.Store, docID, c.Config.Document.RootText)
	if err != nil {
		return nil, err
	}

	var observers []tree.Observer
	if c.Events != nil {
		observers = append(observers, c.Events.Observe)
	}
	svc := document.New(docID, t, document.Dependencies{
		Generator: c.Generator,
		Store:     c.Store,
		Metrics:   c.Metrics,
		Generation: generation.Config{
			Defaults: c.Config.Generation.Settings,
			Timeout:  c.Config.Generation.Timeout,
		},
		Multiverse: c.Config.Multiverse,
		QueueSize:  c.Config.Session.QueueSize,
		Observers:  observers,
	}, c.Logger)

	c.Logger.Info("Document opened",
		zap.String("document_id", docID),
		zap.Int("nodes", t.Len()),
	)
	return svc, nil
}
