package document

import (
	"context"

	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
	"loom-backend/internal/service/generation"
	"loom-backend/internal/service/llm"
	"loom-backend/internal/service/multiverse"
)

// Generate starts a generation below req.NodeID. Placeholders exist by the
// time it returns; the Pending completes once the result is applied.
func (s *Service) Generate(ctx context.Context, req generation.Request) (*generation.Pending, error) {
	var p *generation.Pending
	err := s.do(ctx, "generate", func(t *tree.Tree) (err error) {
		p, err = s.coordinator.Generate(ctx, t, req)
		return err
	})
	return p, err
}

// GenerateAndWait runs a generation to completion and returns the ids of the
// nodes holding its completions.
func (s *Service) GenerateAndWait(ctx context.Context, req generation.Request) ([]shared.NodeID, error) {
	p, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.Wait(ctx); err != nil {
		s.metrics.RecordError(err)
		return nil, err
	}
	return p.Applied(), nil
}

// SetDefaults replaces the generation settings used when a request carries
// none. Generations already started keep their settings.
func (s *Service) SetDefaults(ctx context.Context, settings llm.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.do(ctx, "set_defaults", func(*tree.Tree) error {
		s.defaults = settings
		s.coordinator.SetDefaults(settings)
		return nil
	})
}

// WaitIdle blocks until every started generation has been applied.
func (s *Service) WaitIdle(ctx context.Context) error {
	return s.coordinator.Wait(ctx)
}

// MultiverseRequest asks for the token tree continuing a node.
type MultiverseRequest struct {
	NodeID      shared.NodeID `json:"node_id"`
	GroundTruth string        `json:"ground_truth"`
	MaxDepth    int           `json:"max_depth"`
	Amplitude   float64       `json:"unnormalized_amplitude"`
	Threshold   float64       `json:"unnormalized_threshold"`
}

// Multiverse expands the likely continuations of NodeID's ancestry text. The
// prompt is captured on the owner; the expansion itself does not touch the
// tree.
func (s *Service) Multiverse(ctx context.Context, req MultiverseRequest) ([]*multiverse.Branch, error) {
	var prompt string
	err := s.do(ctx, "multiverse", func(t *tree.Tree) (err error) {
		prompt, err = generation.BuildPrompt(t, req.NodeID, s.defaults, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.Amplitude == 0 {
		req.Amplitude = 1
	}
	branches, err := s.explorer.Expand(ctx, multiverse.Request{
		Prompt:      prompt,
		GroundTruth: req.GroundTruth,
		MaxDepth:    req.MaxDepth,
		Amplitude:   req.Amplitude,
		Threshold:   req.Threshold,
	})
	if err != nil {
		s.metrics.RecordError(err)
		return nil, err
	}
	return branches, nil
}
