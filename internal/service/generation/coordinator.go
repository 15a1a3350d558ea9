// Package generation runs text generation for a node: it creates placeholder
// children on the tree owner, calls the provider on a worker goroutine and
// hands the result back to the owner for application.
package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/template"
	"loom-backend/internal/domain/tree"
	"loom-backend/internal/service/llm"
)

const (
	// Sentinel is the text of a placeholder awaiting its result.
	Sentinel = "⏳ generating"
	// ErrorMarker briefly replaces a placeholder whose generation failed,
	// before the placeholder is removed.
	ErrorMarker = "⚠ generation failed"
)

// ErrNotApplied is reported when the result could not be handed back to the
// tree owner.
var ErrNotApplied = errors.New("generation: result could not be delivered to the tree owner")

// Dispatcher delivers a function to the goroutine that owns the tree.
type Dispatcher interface {
	Dispatch(fn func(*tree.Tree)) bool
}

// Recorder receives generation measurements.
type Recorder interface {
	RecordGeneration(provider string, duration time.Duration, err error)
}

// Config configures a Coordinator.
type Config struct {
	Defaults llm.Settings
	Timeout  time.Duration
}

// Request describes one generation.
type Request struct {
	NodeID shared.NodeID
	// N overrides Settings.NumContinuations when positive.
	N int
	// Settings defaults to the coordinator's configured settings.
	Settings *llm.Settings
	// Input is exposed to prompt templates as {input}.
	Input string
}

// Coordinator starts generations and applies their results.
type Coordinator struct {
	generator  llm.Generator
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
	recorder   Recorder
	inflight   sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder reports generation metrics to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(generator llm.Generator, dispatcher Dispatcher, cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	c := &Coordinator{
		generator:  generator,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("loom-backend/generation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDefaults replaces the settings used by requests that carry none. Like
// Generate it must run on the tree owner.
func (c *Coordinator) SetDefaults(settings llm.Settings) {
	c.cfg.Defaults = settings
}

// Generate creates the placeholders synchronously and starts the provider
// call. It must run on the tree owner. The returned Pending completes once the
// result has been applied on the owner.
func (c *Coordinator) Generate(ctx context.Context, t *tree.Tree, req Request) (*Pending, error) {
	settings := c.cfg.Defaults
	if req.Settings != nil {
		settings = *req.Settings
	}
	if req.N > 0 {
		settings.NumContinuations = req.N
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	prompt, err := BuildPrompt(t, req.NodeID, settings, req.Input)
	if err != nil {
		return nil, err
	}

	placeholders := make([]shared.NodeID, 0, settings.NumContinuations)
	err = t.Update("generate", func() error {
		for i := 0; i < settings.NumContinuations; i++ {
			id, err := t.CreateChildWith(req.NodeID, tree.NodeSpec{
				Text:    Sentinel,
				Source:  tree.SourceAI,
				Pending: true,
			})
			if err != nil {
				return err
			}
			placeholders = append(placeholders, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	p := &Pending{
		NodeID:       req.NodeID,
		Placeholders: placeholders,
		done:         make(chan struct{}),
		cancel:       cancel,
	}

	c.logger.Info("Generation started",
		zap.String("node_id", req.NodeID.String()),
		zap.Int("n", settings.NumContinuations),
		zap.String("provider", c.generator.Name()),
	)

	c.inflight.Add(1)
	go c.run(workCtx, p, prompt, settings)
	return p, nil
}

func (c *Coordinator) run(ctx context.Context, p *Pending, prompt string, settings llm.Settings) {
	defer c.inflight.Done()
	defer p.cancel()

	ctx, span := c.tracer.Start(ctx, "generation.complete", trace.WithAttributes(
		attribute.String("node.id", p.NodeID.String()),
		attribute.Int("generation.n", settings.NumContinuations),
		attribute.String("generation.provider", c.generator.Name()),
		attribute.String("generation.model", settings.Model),
	))
	start := time.Now()
	completions, err := c.generator.Complete(ctx, prompt, settings)
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("generation.completions", len(completions)))
	}
	span.End()

	if c.recorder != nil {
		c.recorder.RecordGeneration(c.generator.Name(), duration, err)
	}
	if err != nil {
		c.logger.Warn("Generation failed",
			zap.String("node_id", p.NodeID.String()),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	}

	delivered := c.dispatcher.Dispatch(func(t *tree.Tree) {
		applied, applyErr := Apply(t, p.Placeholders, completions, err)
		if applyErr != nil {
			c.logger.Error("Failed to apply generation result",
				zap.String("node_id", p.NodeID.String()),
				zap.Error(applyErr),
			)
		}
		p.finish(applied, errors.Join(err, applyErr))
	})
	if !delivered {
		p.finish(nil, errors.Join(err, ErrNotApplied))
	}
}

// Apply resolves a set of placeholders on the tree owner. With genErr set every
// placeholder is marked failed and removed. Otherwise completions are written
// index-aligned and placeholders left without a completion are removed.
// Placeholders the user deleted meanwhile are skipped. It returns the
// placeholders that received text.
func Apply(t *tree.Tree, placeholders []shared.NodeID, completions []string, genErr error) ([]shared.NodeID, error) {
	var applied []shared.NodeID
	err := t.Update("generation_result", func() error {
		for i, id := range placeholders {
			n, ok := t.Lookup(id)
			if !ok || !n.Pending() {
				continue
			}
			if genErr == nil && i < len(completions) {
				if err := t.WritePendingResult(id, completions[i], tree.SourceAI); err != nil {
					return err
				}
				applied = append(applied, id)
				continue
			}
			if err := t.WritePendingResult(id, ErrorMarker, tree.SourceAI); err != nil {
				return err
			}
			if err := t.Delete(id, true); err != nil {
				return err
			}
		}
		return nil
	})
	return applied, err
}

// Wait blocks until every started generation has finished its provider call
// and delivered its result, or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BuildPrompt returns the prompt for generating below nodeID: the last
// settings.PromptLength characters of the ancestry text, optionally rendered
// through settings.Template.
func BuildPrompt(t *tree.Tree, nodeID shared.NodeID, settings llm.Settings, input string) (string, error) {
	text, err := t.AncestryText(nodeID)
	if err != nil {
		return "", err
	}
	prompt := TruncateRight(text, settings.PromptLength)
	if settings.Template == "" {
		return prompt, nil
	}

	tmpl, err := template.Parse(settings.Template)
	if err != nil {
		return "", err
	}
	n, err := t.Get(nodeID)
	if err != nil {
		return "", err
	}
	ctx := template.Context{Input: input, Prompt: prompt, Node: n.Text()}

	memories, err := t.MemoriesFor(nodeID)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(memories))
	for i, m := range memories {
		parts[i] = m.Text
	}
	ctx.Memory = strings.Join(parts, "\n")

	summaries, err := t.SummariesFor(nodeID)
	if err != nil {
		return "", err
	}
	parts = make([]string, len(summaries))
	for i, s := range summaries {
		parts[i] = s.Text
	}
	ctx.Summary = strings.Join(parts, "\n")

	if chapter, ok, err := t.ChapterOf(nodeID); err != nil {
		return "", err
	} else if ok {
		ctx.Chapter = chapter.Title
	}
	return tmpl.Execute(ctx), nil
}

// TruncateRight keeps the last n characters of s. n <= 0 keeps everything.
func TruncateRight(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := len(s)
	for k := 0; k < n && i > 0; k++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}
