// Package multiverse expands the probability tree of likely continuations of a
// prompt. It only reads through a Generator and never touches a document tree.
package multiverse

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"loom-backend/internal/service/llm"
	pkgerrors "loom-backend/pkg/errors"
)

// Branch is one token in the expansion tree.
type Branch struct {
	Token string `json:"token" yaml:"token"`
	// NormalizedProb is the model probability of Token given its prefix.
	NormalizedProb float64 `json:"normalized_prob" yaml:"normalized_prob"`
	// UnnormalizedProb is NormalizedProb scaled by the parent's amplitude.
	UnnormalizedProb float64 `json:"unnormalized_prob" yaml:"unnormalized_prob"`
	// GroundTruth marks the branch following the known continuation. When
	// the model offered no matching token the branch is added with zero
	// probabilities.
	GroundTruth bool      `json:"ground_truth,omitempty" yaml:"ground_truth,omitempty"`
	Children    []*Branch `json:"children,omitempty" yaml:"children,omitempty"`
}

// Request describes one expansion.
type Request struct {
	Prompt      string  `json:"prompt"`
	GroundTruth string  `json:"ground_truth"`
	MaxDepth    int     `json:"max_depth" validate:"min=0,max=16"`
	Amplitude   float64 `json:"unnormalized_amplitude" validate:"gt=0"`
	Threshold   float64 `json:"unnormalized_threshold" validate:"min=0"`
}

// Config configures an Explorer.
type Config struct {
	// TopK is the number of next tokens requested per step.
	TopK int `yaml:"top_k" validate:"min=1,max=100"`
	// Concurrency bounds the provider calls in flight for one expansion.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=64"`
}

// DefaultConfig returns the explorer defaults.
func DefaultConfig() Config {
	return Config{TopK: 5, Concurrency: 4}
}

var validate = validator.New()

// Explorer expands prompts through a Generator.
type Explorer struct {
	generator llm.Generator
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewExplorer creates an Explorer.
func NewExplorer(generator llm.Generator, cfg Config, logger *zap.Logger) *Explorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Explorer{
		generator: generator,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("loom-backend/multiverse"),
	}
}

type expansion struct {
	*Explorer
	req   Request
	slots *semaphore.Weighted
}

// Expand returns the next-token branches of req.Prompt. Branches whose
// unnormalized probability exceeds the threshold are expanded further, as is
// the branch following the ground truth, until MaxDepth levels exist.
func (e *Explorer) Expand(ctx context.Context, req Request) ([]*Branch, error) {
	if err := validate.Struct(req); err != nil {
		return nil, pkgerrors.NewValidationError("invalid multiverse request").WithCause(err)
	}

	ctx, span := e.tracer.Start(ctx, "multiverse.expand", trace.WithAttributes(
		attribute.Int("multiverse.max_depth", req.MaxDepth),
		attribute.Float64("multiverse.threshold", req.Threshold),
		attribute.String("generation.provider", e.generator.Name()),
	))
	defer span.End()

	start := time.Now()
	x := &expansion{Explorer: e, req: req, slots: semaphore.NewWeighted(int64(e.cfg.Concurrency))}
	branches, err := x.expand(ctx, req.Prompt, req.GroundTruth, req.MaxDepth, req.Amplitude)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.logger.Debug("Multiverse expanded",
		zap.Int("branches", Count(branches)),
		zap.Int("max_depth", req.MaxDepth),
		zap.Duration("duration", time.Since(start)),
	)
	return branches, nil
}

func (x *expansion) topTokens(ctx context.Context, prompt string) (map[string]float64, error) {
	if err := x.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer x.slots.Release(1)
	return x.generator.TopTokens(ctx, prompt, x.cfg.TopK)
}

func (x *expansion) expand(ctx context.Context, prompt, groundTruth string, depth int, amplitude float64) ([]*Branch, error) {
	if depth <= 0 {
		return nil, nil
	}
	logprobs, err := x.topTokens(ctx, prompt)
	if err != nil {
		return nil, err
	}

	branches := make([]*Branch, 0, len(logprobs)+1)
	for token, lp := range logprobs {
		p := math.Exp(lp)
		branches = append(branches, &Branch{Token: token, NormalizedProb: p, UnnormalizedProb: p * amplitude})
	}

	var truth *Branch
	if groundTruth != "" {
		for _, b := range branches {
			if b.Token != "" && strings.HasPrefix(groundTruth, b.Token) && (truth == nil || len(b.Token) > len(truth.Token)) {
				truth = b
			}
		}
		if truth == nil {
			truth = &Branch{Token: nextWord(groundTruth)}
			branches = append(branches, truth)
		}
		truth.GroundTruth = true
	}
	sortBranches(branches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Concurrency)
	for _, b := range branches {
		if b.UnnormalizedProb <= x.req.Threshold && !b.GroundTruth {
			continue
		}
		rest := ""
		if b.GroundTruth {
			rest = groundTruth[len(b.Token):]
		}
		g.Go(func() error {
			children, err := x.expand(gctx, prompt+b.Token, rest, depth-1, b.UnnormalizedProb)
			if err != nil {
				return err
			}
			b.Children = children
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return branches, nil
}

// nextWord returns the leading whitespace of s followed by its first word.
func nextWord(s string) string {
	i := 0
	for i < len(s) && unicode.IsSpace(rune(s[i])) {
		i++
	}
	for i < len(s) && !unicode.IsSpace(rune(s[i])) {
		i++
	}
	return s[:i]
}

func sortBranches(bs []*Branch) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].NormalizedProb != bs[j].NormalizedProb {
			return bs[i].NormalizedProb > bs[j].NormalizedProb
		}
		return bs[i].Token < bs[j].Token
	})
}

// Count returns the number of branches in the tree.
func Count(bs []*Branch) int {
	n := len(bs)
	for _, b := range bs {
		n += Count(b.Children)
	}
	return n
}

// Find follows tokens from the top level and returns the branch reached.
func Find(bs []*Branch, tokens ...string) (*Branch, bool) {
	var cur *Branch
	for _, tok := range tokens {
		cur = nil
		for _, b := range bs {
			if b.Token == tok {
				cur = b
				break
			}
		}
		if cur == nil {
			return nil, false
		}
		bs = cur.Children
	}
	return cur, cur != nil
}
