// Package document is the command surface over one document tree. It binds
// the single-writer session to the domain operations, generation and
// persistence, and is what the HTTP and CLI layers talk to.
package document

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"loom-backend/internal/domain/distribute"
	"loom-backend/internal/domain/events"
	"loom-backend/internal/domain/tree"
	"loom-backend/internal/service/generation"
	"loom-backend/internal/service/llm"
	"loom-backend/internal/service/multiverse"
	"loom-backend/internal/service/session"
	pkgerrors "loom-backend/pkg/errors"
)

// ArchivedTag hides a node and its subtree from navigation.
const ArchivedTag = "archived"

// Visible is the navigation filter used by the service.
func Visible(n *tree.Node) bool { return !n.HasTag(ArchivedTag) }

// Store is the persistence the service saves to and reloads from.
type Store interface {
	Save(ctx context.Context, docID string, doc *tree.DocumentRecord) error
	Load(ctx context.Context, docID string) (*tree.DocumentRecord, error)
}

// Metrics receives service measurements. *observability.Collector satisfies
// it.
type Metrics interface {
	ObserveTreeChange(evt events.TreeChanged)
	RecordGeneration(provider string, duration time.Duration, err error)
	RecordDistribution(changed int)
	RecordError(err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTreeChange(events.TreeChanged) {}
func (noopMetrics) RecordGeneration(string, time.Duration, error) {}
func (noopMetrics) RecordDistribution(int) {}
func (noopMetrics) RecordError(error) {}

// Dependencies are the collaborators of a Service. Only Generator is
// required.
type Dependencies struct {
	Generator  llm.Generator
	Store      Store
	Metrics    Metrics
	Generation generation.Config
	Multiverse multiverse.Config
	QueueSize  int
	// Observers are subscribed to the tree before the session starts.
	Observers []tree.Observer
}

// Service serves commands for one document.
type Service struct {
	docID       string
	session     *session.Session
	distributor *distribute.Distributor
	coordinator *generation.Coordinator
	explorer    *multiverse.Explorer
	defaults    llm.Settings
	store       Store
	metrics     Metrics
	logger      *zap.Logger
}

// New creates a service owning t. The tree must not be used directly once
// Run has started.
func New(docID string, t *tree.Tree, deps Dependencies, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("document_id", docID))
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if deps.Generation.Defaults.NumContinuations == 0 {
		deps.Generation.Defaults = llm.DefaultSettings()
	}
	if deps.Multiverse.TopK == 0 {
		deps.Multiverse = multiverse.DefaultConfig()
	}

	sess := session.New(t, logger, session.WithQueueSize(deps.QueueSize))
	t.Subscribe(metrics.ObserveTreeChange)
	for _, o := range deps.Observers {
		t.Subscribe(o)
	}

	coordinator := generation.NewCoordinator(deps.Generator, sess, deps.Generation, logger,
		generation.WithRecorder(metrics),
	)
	return &Service{
		docID:       docID,
		session:     sess,
		distributor: distribute.NewDistributor(logger),
		coordinator: coordinator,
		explorer:    multiverse.NewExplorer(deps.Generator, deps.Multiverse, logger),
		defaults:    deps.Generation.Defaults,
		store:       deps.Store,
		metrics:     metrics,
		logger:      logger,
	}
}

// Open loads docID from store, or starts a new document holding rootText when
// it does not exist yet. A new document is saved right away so its node ids
// stay valid for the next Open.
func Open(ctx context.Context, store Store, docID, rootText string, opts ...tree.Option) (*tree.Tree, error) {
	if store == nil {
		return tree.New(rootText, opts...), nil
	}
	doc, err := store.Load(ctx, docID)
	if pkgerrors.IsNotFound(err) {
		t := tree.New(rootText, opts...)
		if err := store.Save(ctx, docID, t.ToRecord()); err != nil {
			return nil, err
		}
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	return tree.FromRecord(doc, opts...)
}

// DocumentID returns the id the service saves under.
func (s *Service) DocumentID() string { return s.docID }

// Run owns the tree until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("Document service started")
	err := s.session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("Document service stopped")
	return err
}

// Done is closed once the service stops accepting commands.
func (s *Service) Done() <-chan struct{} { return s.session.Done() }

// do runs fn on the tree owner, recording failures.
func (s *Service) do(ctx context.Context, op string, fn func(t *tree.Tree) error) error {
	err := s.session.Do(ctx, fn)
	if errors.Is(err, session.ErrStopped) {
		err = pkgerrors.NewInvalidOperationError("document session is not running").WithCause(err)
	}
	if err != nil {
		s.metrics.RecordError(err)
		s.logger.Debug("Command failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// Save persists the document. Pending placeholders are not saved.
func (s *Service) Save(ctx context.Context) error {
	if s.store == nil {
		return pkgerrors.NewInvalidOperationError("no document store configured")
	}
	var doc *tree.DocumentRecord
	if err := s.do(ctx, "save", func(t *tree.Tree) error {
		doc = t.ToRecord()
		return nil
	}); err != nil {
		return err
	}
	if err := s.store.Save(ctx, s.docID, doc); err != nil {
		s.metrics.RecordError(err)
		return err
	}
	s.logger.Info("Document saved")
	return nil
}

// Reload replaces the tree with the stored document. In-flight generations
// whose placeholders disappear are skipped when their results arrive.
func (s *Service) Reload(ctx context.Context) error {
	if s.store == nil {
		return pkgerrors.NewInvalidOperationError("no document store configured")
	}
	doc, err := s.store.Load(ctx, s.docID)
	if err != nil {
		s.metrics.RecordError(err)
		return err
	}
	if err := s.do(ctx, "reload", func(t *tree.Tree) error {
		return t.Reload(doc)
	}); err != nil {
		return err
	}
	s.logger.Info("Document reloaded")
	return nil
}

// Subscribe registers an observer on the owner. The returned function removes
// it.
func (s *Service) Subscribe(ctx context.Context, fn tree.Observer) (func(), error) {
	var unsubscribe func()
	err := s.do(ctx, "subscribe", func(t *tree.Tree) error {
		unsubscribe = t.Subscribe(fn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		s.session.Dispatch(func(*tree.Tree) { unsubscribe() })
	}, nil
}
