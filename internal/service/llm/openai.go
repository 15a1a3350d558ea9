package llm

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	pkgerrors "loom-backend/pkg/errors"
)

// completionClient is the part of the OpenAI client used here.
type completionClient interface {
	CreateCompletion(ctx context.Context, request openai.CompletionRequest) (openai.CompletionResponse, error)
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIGenerator talks to an OpenAI-compatible legacy completions endpoint,
// which is the one exposing n, logprobs and logit_bias together.
type OpenAIGenerator struct {
	client completionClient
	model  string
	logger *zap.Logger
}

// NewOpenAIGenerator creates an OpenAI provider.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, pkgerrors.NewValidationError("OpenAI API key is not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAIGenerator(openai.NewClientWithConfig(clientCfg), cfg.Model, logger), nil
}

func newOpenAIGenerator(client completionClient, model string, logger *zap.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIGenerator{client: client, model: model, logger: logger}
}

// Name implements Generator.
func (o *OpenAIGenerator) Name() string { return "openai" }

// Complete implements Generator.
func (o *OpenAIGenerator) Complete(ctx context.Context, prompt string, settings Settings) ([]string, error) {
	model := settings.Model
	if model == "" {
		model = o.model
	}
	// The client drops a zero temperature as unset, so greedy sampling is
	// sent as the smallest positive value instead.
	temperature := float32(settings.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	req := openai.CompletionRequest{
		Model:       model,
		Prompt:      prompt,
		MaxTokens:   settings.MaxTokens,
		N:           settings.NumContinuations,
		Temperature: temperature,
		TopP:        float32(settings.TopP),
		Stop:        settings.Stop,
		LogitBias:   settings.LogitBias,
	}

	o.logger.Debug("Requesting completions",
		zap.String("model", model),
		zap.Int("n", req.N),
		zap.Int("prompt_bytes", len(prompt)),
	)
	resp, err := o.client.CreateCompletion(ctx, req)
	if err != nil {
		return nil, pkgerrors.NewGeneratorError(o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, pkgerrors.NewGeneratorError(o.Name(), fmt.Errorf("response contained no choices"))
	}

	choices := resp.Choices
	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Index < choices[j].Index })
	out := make([]string, len(choices))
	for i, c := range choices {
		out[i] = c.Text
	}
	return out, nil
}

// TopTokens implements Generator by requesting a single token with k
// log-probabilities.
func (o *OpenAIGenerator) TopTokens(ctx context.Context, prompt string, k int) (map[string]float64, error) {
	resp, err := o.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:     o.model,
		Prompt:    prompt,
		MaxTokens: 1,
		N:         1,
		LogProbs:  k,
	})
	if err != nil {
		return nil, pkgerrors.NewGeneratorError(o.Name(), err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].LogProbs.TopLogprobs) == 0 {
		return nil, pkgerrors.NewGeneratorError(o.Name(), fmt.Errorf("response contained no log-probabilities"))
	}

	top := resp.Choices[0].LogProbs.TopLogprobs[0]
	out := make(map[string]float64, len(top))
	for token, lp := range top {
		out[token] = float64(lp)
	}
	return out, nil
}
