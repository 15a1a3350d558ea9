package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockGenerator is a deterministic offline provider for tests and development.
type MockGenerator struct {
	mu            sync.Mutex
	responses     []string
	distributions map[string]map[string]float64
	err           error
	delay         time.Duration
	prompts       []string
}

// NewMockGenerator creates a mock provider.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{distributions: make(map[string]map[string]float64)}
}

// Name implements Generator.
func (m *MockGenerator) Name() string { return "mock" }

// SetResponses fixes the completions returned by Complete, handed out in
// order and repeated as needed.
func (m *MockGenerator) SetResponses(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
}

// SetError makes every call fail with err.
func (m *MockGenerator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes every call wait before answering.
func (m *MockGenerator) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetDistribution registers the next-token probabilities (not log-probs)
// returned for prompts ending with suffix. The longest matching suffix wins.
func (m *MockGenerator) SetDistribution(suffix string, probs map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributions[suffix] = probs
}

// Prompts returns every prompt received so far.
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *MockGenerator) begin(ctx context.Context, prompt string) error {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	delay, err := m.delay, m.err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

var mockVocabulary = []string{"the", "night", "river", "whispered", "and", "slowly", "light", "over", "a", "door"}

// Complete implements Generator.
func (m *MockGenerator) Complete(ctx context.Context, prompt string, settings Settings) ([]string, error) {
	if err := m.begin(ctx, prompt); err != nil {
		return nil, err
	}
	m.mu.Lock()
	responses := m.responses
	m.mu.Unlock()

	n := settings.NumContinuations
	if n <= 0 {
		n = 1
	}
	out := make([]string, n)
	for i := range out {
		if len(responses) > 0 {
			out[i] = responses[i%len(responses)]
			continue
		}
		out[i] = mockContinuation(prompt, i, settings.MaxTokens)
	}
	return out, nil
}

func mockContinuation(prompt string, i, maxTokens int) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s#%d", prompt, i)
	seed := h.Sum64()
	words := 3 + int(seed%5)
	if maxTokens > 0 && words > maxTokens {
		words = maxTokens
	}
	var b strings.Builder
	for w := 0; w < words; w++ {
		b.WriteByte(' ')
		b.WriteString(mockVocabulary[(seed>>(w*4))%uint64(len(mockVocabulary))])
	}
	return b.String()
}

// TopTokens implements Generator.
func (m *MockGenerator) TopTokens(ctx context.Context, prompt string, k int) (map[string]float64, error) {
	if err := m.begin(ctx, prompt); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var probs map[string]float64
	best := -1
	for suffix, dist := range m.distributions {
		if strings.HasSuffix(prompt, suffix) && len(suffix) > best {
			best = len(suffix)
			probs = dist
		}
	}
	m.mu.Unlock()

	if probs == nil {
		probs = map[string]float64{" the": 0.4, " a": 0.3, " and": 0.2, ".": 0.1}
	}

	tokens := make([]string, 0, len(probs))
	for t := range probs {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if probs[tokens[i]] != probs[tokens[j]] {
			return probs[tokens[i]] > probs[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if k > 0 && len(tokens) > k {
		tokens = tokens[:k]
	}

	out := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		out[t] = math.Log(probs[t])
	}
	return out, nil
}
