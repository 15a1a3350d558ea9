package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pkgerrors "loom-backend/pkg/errors"
)

// ResilienceConfig configures retries, circuit breaking and rate limiting
// around a provider.
type ResilienceConfig struct {
	MaxRetries        int           `yaml:"max_retries" validate:"min=0,max=10"`
	InitialInterval   time.Duration `yaml:"initial_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"min=0"`
	Burst             int           `yaml:"burst" validate:"min=0"`
	// Breaker trips once at least BreakerMinRequests calls were made in the
	// current interval and the failure ratio reaches BreakerFailureRatio.
	BreakerMinRequests  uint32        `yaml:"breaker_min_requests"`
	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio" validate:"min=0,max=1"`
	BreakerInterval     time.Duration `yaml:"breaker_interval"`
	BreakerTimeout      time.Duration `yaml:"breaker_timeout"`
}

// DefaultResilienceConfig returns sensible provider defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:          3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		RequestsPerSecond:   5,
		Burst:               5,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.8,
		BreakerInterval:     30 * time.Second,
		BreakerTimeout:      60 * time.Second,
	}
}

// ResilientGenerator decorates a Generator with exponential-backoff retries,
// a circuit breaker and a client-side rate limit. Failures that survive the
// retries surface as generator errors.
type ResilientGenerator struct {
	next    Generator
	cfg     ResilienceConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewResilientGenerator wraps next.
func NewResilientGenerator(next Generator, cfg ResilienceConfig, logger *zap.Logger) *ResilientGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	r := &ResilientGenerator{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generator-" + next.Name(),
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Generator circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// caller mistakes and cancellations say nothing about provider health
			return err == nil || pkgerrors.IsValidation(err) || errors.Is(err, context.Canceled)
		},
	})
	return r
}

// Name implements Generator.
func (r *ResilientGenerator) Name() string { return r.next.Name() }

// Complete implements Generator.
func (r *ResilientGenerator) Complete(ctx context.Context, prompt string, settings Settings) ([]string, error) {
	return call(ctx, r, "complete", func() ([]string, error) {
		return r.next.Complete(ctx, prompt, settings)
	})
}

// TopTokens implements Generator.
func (r *ResilientGenerator) TopTokens(ctx context.Context, prompt string, k int) (map[string]float64, error) {
	return call(ctx, r, "top_tokens", func() (map[string]float64, error) {
		return r.next.TopTokens(ctx, prompt, k)
	})
}

func call[T any](ctx context.Context, r *ResilientGenerator, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		var zero T
		attempt++
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		res, err := r.breaker.Execute(func() (interface{}, error) {
			return fn()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
				pkgerrors.IsValidation(err) || ctx.Err() != nil {
				return zero, backoff.Permanent(err)
			}
			r.logger.Warn("Generator call failed",
				zap.String("provider", r.next.Name()),
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return zero, err
		}
		return res.(T), nil
	}

	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries+1)),
	)
	if err != nil {
		var zero T
		if pkgerrors.IsGenerator(err) || pkgerrors.IsValidation(err) {
			return zero, err
		}
		return zero, pkgerrors.NewGeneratorError(r.next.Name(), err)
	}
	return out, nil
}
