package llm

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgerrors "loom-backend/pkg/errors"
)

type fakeCompletionClient struct {
	requests []openai.CompletionRequest
	resp     openai.CompletionResponse
	err      error
}

func (f *fakeCompletionClient) CreateCompletion(_ context.Context, req openai.CompletionRequest) (openai.CompletionResponse, error) {
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "missing model", mutate: func(s *Settings) { s.Model = "" }, wantErr: true},
		{name: "zero continuations", mutate: func(s *Settings) { s.NumContinuations = 0 }, wantErr: true},
		{name: "temperature too high", mutate: func(s *Settings) { s.Temperature = 3 }, wantErr: true},
		{name: "zero top_p", mutate: func(s *Settings) { s.TopP = 0 }, wantErr: true},
		{name: "logit bias out of range", mutate: func(s *Settings) { s.LogitBias = map[string]int{"50256": -150} }, wantErr: true},
		{name: "logit bias ok", mutate: func(s *Settings) { s.LogitBias = map[string]int{"50256": -100} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.True(t, pkgerrors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenAIGenerator_Complete(t *testing.T) {
	client := &fakeCompletionClient{resp: openai.CompletionResponse{
		Choices: []openai.CompletionChoice{
			{Index: 1, Text: " second"},
			{Index: 0, Text: " first"},
		},
	}}
	gen := newOpenAIGenerator(client, "davinci-002", zap.NewNop())

	settings := DefaultSettings()
	settings.NumContinuations = 2
	settings.Stop = []string{"\n"}
	settings.LogitBias = map[string]int{"198": -100}

	out, err := gen.Complete(context.Background(), "Once", settings)
	require.NoError(t, err)
	assert.Equal(t, []string{" first", " second"}, out)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, "Once", req.Prompt)
	assert.Equal(t, 2, req.N)
	assert.Equal(t, []string{"\n"}, req.Stop)
	assert.Equal(t, map[string]int{"198": -100}, req.LogitBias)
}

func TestOpenAIGenerator_ZeroTemperature(t *testing.T) {
	client := &fakeCompletionClient{resp: openai.CompletionResponse{
		Choices: []openai.CompletionChoice{{Text: " greedy"}},
	}}
	gen := newOpenAIGenerator(client, "davinci-002", zap.NewNop())

	settings := DefaultSettings()
	settings.Temperature = 0
	_, err := gen.Complete(context.Background(), "Once", settings)
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	assert.Greater(t, client.requests[0].Temperature, float32(0), "zero must survive omitempty")
	assert.InDelta(t, 0, client.requests[0].Temperature, 1e-6)

	settings.Temperature = 0.7
	_, err = gen.Complete(context.Background(), "Once", settings)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, client.requests[1].Temperature, 1e-6)
}

func TestOpenAIGenerator_TopTokens(t *testing.T) {
	client := &fakeCompletionClient{resp: openai.CompletionResponse{
		Choices: []openai.CompletionChoice{{
			LogProbs: openai.LogprobResult{
				TopLogprobs: []map[string]float32{{" sat": -0.5, " ran": -1.5}},
			},
		}},
	}}
	gen := newOpenAIGenerator(client, "davinci-002", nil)

	out, err := gen.TopTokens(context.Background(), "The cat", 2)
	require.NoError(t, err)
	assert.InDelta(t, -0.5, out[" sat"], 1e-6)
	assert.Equal(t, 1, client.requests[0].MaxTokens)
	assert.Equal(t, 2, client.requests[0].LogProbs)
}

func TestOpenAIGenerator_Errors(t *testing.T) {
	gen := newOpenAIGenerator(&fakeCompletionClient{err: errors.New("boom")}, "m", nil)
	_, err := gen.Complete(context.Background(), "x", DefaultSettings())
	assert.True(t, pkgerrors.IsGenerator(err))

	gen = newOpenAIGenerator(&fakeCompletionClient{}, "m", nil)
	_, err = gen.TopTokens(context.Background(), "x", 3)
	assert.True(t, pkgerrors.IsGenerator(err))

	_, err = NewOpenAIGenerator(OpenAIConfig{}, nil)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestMockGenerator(t *testing.T) {
	m := NewMockGenerator()
	settings := DefaultSettings()
	settings.NumContinuations = 3

	first, err := m.Complete(context.Background(), "prompt", settings)
	require.NoError(t, err)
	again, err := m.Complete(context.Background(), "prompt", settings)
	require.NoError(t, err)
	assert.Len(t, first, 3)
	assert.Equal(t, first, again)

	m.SetResponses("a", "b")
	out, err := m.Complete(context.Background(), "prompt", settings)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, out)

	m.SetDistribution("The cat", map[string]float64{" sat": 0.3, " is": 0.6, " ran": 0.1})
	top, err := m.TopTokens(context.Background(), "The cat", 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
	assert.InDelta(t, math.Log(0.6), top[" is"], 1e-9)
	_, ok := top[" ran"]
	assert.False(t, ok)

	assert.Len(t, m.Prompts(), 4)
}

// flakyGenerator fails the first failures calls.
type flakyGenerator struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyGenerator) Name() string { return "flaky" }

func (f *flakyGenerator) Complete(context.Context, string, Settings) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []string{"ok"}, nil
}

func (f *flakyGenerator) TopTokens(context.Context, string, int) (map[string]float64, error) {
	return map[string]float64{"x": 0}, nil
}

func fastResilience() ResilienceConfig {
	cfg := DefaultResilienceConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	cfg.RequestsPerSecond = 0
	return cfg
}

func TestResilientGenerator_RetriesTransientFailures(t *testing.T) {
	flaky := &flakyGenerator{failures: 2, err: errors.New("503")}
	gen := NewResilientGenerator(flaky, fastResilience(), zap.NewNop())

	out, err := gen.Complete(context.Background(), "p", DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, out)
	assert.Equal(t, 3, flaky.calls)
}

func TestResilientGenerator_GivesUp(t *testing.T) {
	flaky := &flakyGenerator{failures: 100, err: errors.New("503")}
	cfg := fastResilience()
	cfg.MaxRetries = 2
	cfg.BreakerMinRequests = 100
	gen := NewResilientGenerator(flaky, cfg, nil)

	_, err := gen.Complete(context.Background(), "p", DefaultSettings())
	assert.True(t, pkgerrors.IsGenerator(err))
	assert.Equal(t, 3, flaky.calls)
}

func TestResilientGenerator_DoesNotRetryValidation(t *testing.T) {
	flaky := &flakyGenerator{failures: 100, err: pkgerrors.NewValidationError("bad")}
	gen := NewResilientGenerator(flaky, fastResilience(), nil)

	_, err := gen.Complete(context.Background(), "p", DefaultSettings())
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Equal(t, 1, flaky.calls)
}

func TestResilientGenerator_BreakerOpens(t *testing.T) {
	flaky := &flakyGenerator{failures: 100, err: errors.New("down")}
	cfg := fastResilience()
	cfg.MaxRetries = 0
	cfg.BreakerMinRequests = 2
	cfg.BreakerFailureRatio = 0.5
	cfg.BreakerTimeout = time.Minute
	gen := NewResilientGenerator(flaky, cfg, nil)

	for i := 0; i < 2; i++ {
		_, err := gen.Complete(context.Background(), "p", DefaultSettings())
		require.Error(t, err)
	}
	_, err := gen.Complete(context.Background(), "p", DefaultSettings())
	assert.True(t, pkgerrors.IsGenerator(err))
	assert.Equal(t, 2, flaky.calls, "open breaker short-circuits the provider")
}
